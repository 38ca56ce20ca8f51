// internal/storage/story_file.go
package storage

// StoryFile 是固定路径的故事存档，内容为原始文本
type StoryFile struct {
	fs       *FileStorage
	filename string
}

// NewStoryFile 在 dir 下创建名为 filename 的故事存档
func NewStoryFile(dir, filename string) (*StoryFile, error) {
	fs, err := NewFileStorage(dir)
	if err != nil {
		return nil, err
	}
	return &StoryFile{fs: fs, filename: filename}, nil
}

// Path 返回存档路径
func (s *StoryFile) Path() string {
	return s.fs.Path("", s.filename)
}

// Save 整体覆盖存档
func (s *StoryFile) Save(story string) error {
	return s.fs.SaveTextFile("", s.filename, []byte(story))
}

// Load 读取整个存档，不存在时返回 ErrNotFound
func (s *StoryFile) Load() (string, error) {
	content, err := s.fs.LoadTextFile("", s.filename)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Exists 报告存档是否存在
func (s *StoryFile) Exists() bool {
	return s.fs.FileExists("", s.filename)
}

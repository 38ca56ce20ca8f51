// internal/prompts/catalog.go
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/Corphon/StoryGenerator/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// GenreSpec 描述一个题材的前提提示词
type GenreSpec struct {
	ID          models.Genre `yaml:"id" json:"id"`
	Label       string       `yaml:"label" json:"label"`
	Icon        string       `yaml:"icon" json:"icon"`
	Persona     string       `yaml:"persona" json:"-"`
	Instruction string       `yaml:"instruction" json:"-"`
}

// Catalog 人设与题材目录
type Catalog struct {
	Persona string      `yaml:"persona"`
	Genres  []GenreSpec `yaml:"genres"`
}

// DefaultCatalog 解析内嵌目录
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog 读取指定文件，path 为空时使用内嵌目录
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取提示词目录失败: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog 解析并校验 YAML 目录
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("解析提示词目录失败: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if strings.TrimSpace(c.Persona) == "" {
		return fmt.Errorf("提示词目录缺少 persona")
	}
	if len(c.Genres) == 0 {
		return fmt.Errorf("提示词目录至少需要一个题材")
	}
	seen := make(map[models.Genre]bool, len(c.Genres))
	for _, g := range c.Genres {
		if g.ID == "" || g.Instruction == "" {
			return fmt.Errorf("题材 %q 缺少 id 或 instruction", g.Label)
		}
		if seen[g.ID] {
			return fmt.Errorf("题材 %q 重复", g.ID)
		}
		seen[g.ID] = true
	}
	return nil
}

// Genre 按 id 查找题材
func (c *Catalog) Genre(id models.Genre) (GenreSpec, error) {
	for _, g := range c.Genres {
		if g.ID == id {
			return g, nil
		}
	}
	return GenreSpec{}, fmt.Errorf("%w: %q", models.ErrInvalidGenre, id)
}

// GenrePersona 返回题材人设，未设置时回落到默认人设
func (c *Catalog) GenrePersona(g GenreSpec) string {
	if g.Persona != "" {
		return g.Persona
	}
	return c.Persona
}

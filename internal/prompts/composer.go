// internal/prompts/composer.go
package prompts

import (
	"fmt"
	"strings"

	"github.com/Corphon/StoryGenerator/internal/models"
)

// Compose 以换行连接人设和后续片段，不做校验、截断或转义
func Compose(persona string, parts ...string) string {
	return strings.Join(append([]string{persona}, parts...), "\n")
}

// Builder 为每个写作步骤构造提示词
type Builder struct {
	catalog *Catalog
	policy  ContextPolicy
}

func NewBuilder(catalog *Catalog, policy ContextPolicy) *Builder {
	return &Builder{catalog: catalog, policy: policy}
}

func (b *Builder) Catalog() *Catalog {
	return b.catalog
}

func (b *Builder) Policy() ContextPolicy {
	return b.policy
}

// Premise 题材前提提示词
func (b *Builder) Premise(genre models.Genre) (string, error) {
	g, err := b.catalog.Genre(genre)
	if err != nil {
		return "", err
	}
	return Compose(b.catalog.GenrePersona(g), g.Instruction), nil
}

// Outline 基于前提生成大纲
func (b *Builder) Outline(premise string) string {
	return Compose(b.catalog.Persona,
		"You have a gripping premise in mind:",
		premise,
		"Write an outline for the plot of your story.",
	)
}

// CustomPersona 在默认人设后追加语气与复杂度偏好
func (b *Builder) CustomPersona(c models.Customization) string {
	return Compose(b.catalog.Persona, fmt.Sprintf(
		"You prefer to write in a %s tone with a plot complexity level of %d.",
		strings.ToLower(string(c.Tone)), c.Complexity,
	))
}

// Draft 初稿提示词
func (b *Builder) Draft(c models.Customization, premise, outline string) string {
	return Compose(b.CustomPersona(c),
		"You have a gripping premise:",
		premise,
		"Your rich outline is:",
		outline,
		"Begin the story.",
	)
}

// Continuation 续写提示词，input 可以为空
func (b *Builder) Continuation(c models.Customization, premise, outline, story, input string) (string, error) {
	story, err := b.policy.Apply(story)
	if err != nil {
		return "", err
	}
	return Compose(b.CustomPersona(c),
		"Premise: "+premise,
		"Outline: "+outline,
		"What you've written so far:",
		story,
		"",
		"User Input: "+input,
		"Continue writing.",
	), nil
}

// Subplot 支线提示词，同样携带前提、大纲和已写内容
func (b *Builder) Subplot(c models.Customization, premise, outline, story string) (string, error) {
	story, err := b.policy.Apply(story)
	if err != nil {
		return "", err
	}
	return Compose(b.CustomPersona(c),
		"Premise: "+premise,
		"Outline: "+outline,
		"What you've written so far:",
		story,
		"Add an exciting subplot to this story.",
	), nil
}

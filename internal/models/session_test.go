package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageProgression(t *testing.T) {
	s := NewSession("s1", time.Now())
	assert.Equal(t, StageEmpty, s.Stage())
	assert.Equal(t, 0, s.Stage().Progress())
	assert.False(t, s.CanOutline())

	s.Premise = "cats in space"
	assert.Equal(t, StagePremiseSet, s.Stage())
	assert.Equal(t, 25, s.Stage().Progress())
	assert.True(t, s.CanOutline())
	assert.False(t, s.CanDraft())

	s.Outline = "1. launch"
	assert.Equal(t, StageOutlineSet, s.Stage())
	assert.Equal(t, 50, s.Stage().Progress())

	s.Story = "Once upon a time"
	assert.Equal(t, StageStoryDrafted, s.Stage())
	assert.Equal(t, 75, s.Stage().Progress())
	assert.True(t, s.CanExtend())

	s.Extensions = 1
	assert.Equal(t, StageStoryExtended, s.Stage())
	assert.Equal(t, 100, s.Stage().Progress())
}

func TestParseTone(t *testing.T) {
	tone, err := ParseTone("dark")
	require.NoError(t, err)
	assert.Equal(t, ToneDark, tone)

	_, err = ParseTone("whimsical")
	assert.ErrorIs(t, err, ErrInvalidTone)
}

func TestCustomizationValidate(t *testing.T) {
	assert.NoError(t, DefaultCustomization().Validate())
	assert.NoError(t, Customization{Tone: ToneInspirational, Complexity: 10}.Validate())
	assert.ErrorIs(t, Customization{Tone: ToneDark, Complexity: 0}.Validate(), ErrInvalidComplexity)
	assert.ErrorIs(t, Customization{Tone: ToneDark, Complexity: 11}.Validate(), ErrInvalidComplexity)
	assert.ErrorIs(t, Customization{Tone: "Cheerful", Complexity: 3}.Validate(), ErrInvalidTone)
}

func TestCustomizationPatch(t *testing.T) {
	base := Customization{Tone: ToneDark, Complexity: 7}
	assert.Equal(t, base, CustomizationPatch{}.Apply(base))

	three := 3
	assert.Equal(t, Customization{Tone: ToneDark, Complexity: 3}, CustomizationPatch{Complexity: &three}.Apply(base))

	humorous := ToneHumorous
	assert.Equal(t, Customization{Tone: ToneHumorous, Complexity: 7}, CustomizationPatch{Tone: &humorous}.Apply(base))

	assert.NoError(t, CustomizationPatch{}.Validate())
	eleven := 11
	assert.ErrorIs(t, CustomizationPatch{Complexity: &eleven}.Validate(), ErrInvalidComplexity)
}

func TestSnapshotIsDetached(t *testing.T) {
	s := NewSession("s1", time.Now())
	s.Premise = "p"
	snap := s.Snapshot()
	s.Premise = "changed"

	assert.Equal(t, "p", snap.Premise)
	assert.Equal(t, StagePremiseSet, snap.Stage)
	assert.True(t, snap.Unlocked.Outline)
	assert.False(t, snap.Unlocked.Draft)
}

func TestActionGenerates(t *testing.T) {
	assert.True(t, ActionSubplot.Generates())
	assert.False(t, ActionSave.Generates())
	assert.False(t, ActionReset.Generates())
}

package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCommand(t *testing.T) {
	cmd := `-y -i ${INPUT_MEDIA} -vf "scale=1280:-1" -c:v libx264 ${OUTPUT}`
	expected := []string{"-y", "-i", "${INPUT_MEDIA}", "-vf", "scale=1280:-1", "-c:v", "libx264", "${OUTPUT}"}

	args, err := SplitCommand(cmd)
	assert.NoError(t, err)
	assert.Equal(t, expected, args)

	_, err = SplitCommand(`-i "unterminated`)
	assert.Error(t, err)
}

func TestSanitizeAndValidateArgs(t *testing.T) {
	t.Run("Valid command", func(t *testing.T) {
		args, _ := SplitCommand(`-i ${INPUT_MEDIA} -c:v libx264 ${OUTPUT}`)
		assert.NoError(t, SanitizeAndValidateArgs(args))
	})

	t.Run("Missing input placeholder", func(t *testing.T) {
		args, _ := SplitCommand(`-i somefile.mp4 -c:v libx264 ${OUTPUT}`)
		err := SanitizeAndValidateArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must include the input placeholder")
	})

	t.Run("Missing output placeholder", func(t *testing.T) {
		args, _ := SplitCommand(`-i ${INPUT_MEDIA} -c:v libx264 out.mp4`)
		err := SanitizeAndValidateArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "must include the output placeholder")
	})

	t.Run("Disallowed character (semicolon)", func(t *testing.T) {
		args, _ := SplitCommand(`-i ${INPUT_MEDIA}; ls ${OUTPUT}`)
		err := SanitizeAndValidateArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: ${INPUT_MEDIA};")
	})

	t.Run("Disallowed character (dollar)", func(t *testing.T) {
		args, _ := SplitCommand(`-i ${INPUT_MEDIA} -vf "crop=$(($RANDOM))" ${OUTPUT}`)
		err := SanitizeAndValidateArgs(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: crop=$(($RANDOM))")
	})
}

func TestExpandPlaceholders(t *testing.T) {
	args := []string{"-i", InputMediaPlaceholder, "-c", "copy", OutputPlaceholder}
	got := expandPlaceholders(args, "/in/movie file.mkv", "/cache/out.mp4")
	assert.Equal(t, []string{"-i", "/in/movie file.mkv", "-c", "copy", "/cache/out.mp4"}, got)
	assert.Equal(t, InputMediaPlaceholder, args[1], "input slice is not modified")
}

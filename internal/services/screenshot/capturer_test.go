package screenshot

import (
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
)

const testScanID = "11111111-1111-4111-8111-111111111111"

func newTestCapturer(t *testing.T, mutate func(*common.ScreenshotConfig)) *Capturer {
	t.Helper()
	config := common.ScreenshotConfig{
		Enabled:    true,
		Dir:        t.TempDir(),
		MaxPerPage: 5,
		Quality:    90,
		Padding:    10,
	}
	if mutate != nil {
		mutate(&config)
	}
	c, err := New(config, arbor.NewLogger())
	require.NoError(t, err)
	return c
}

func TestSanitizeRuleID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain rule id", "color-contrast", "color-contrast"},
		{"underscores kept", "aria_valid_attr", "aria_valid_attr"},
		{"path separators stripped", "../../etc/passwd", "etcpasswd"},
		{"spaces and dots stripped", "rule id.v2", "ruleidv2"},
		{"unicode stripped", "règle-contraste", "rgle-contraste"},
		{"empty becomes placeholder", "", "rule"},
		{"only invalid chars becomes placeholder", "///...", "rule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeRuleID(tt.in))
		})
	}

	t.Run("truncated to 100 chars", func(t *testing.T) {
		long := strings.Repeat("a", 150)
		assert.Len(t, SanitizeRuleID(long), 100)
	})
}

func TestTargetPath(t *testing.T) {
	c := newTestCapturer(t, nil)

	path, err := c.targetPath(testScanID, "image-alt", 2)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(path, c.base))
	assert.Equal(t, filepath.Join(c.base, testScanID), filepath.Dir(path))

	name := filepath.Base(path)
	pattern := regexp.MustCompile(`^` + testScanID + `_image-alt_2_\d+\.jpg$`)
	assert.True(t, pattern.MatchString(name), "unexpected filename %q", name)

	// The per-scan directory was created.
	assert.DirExists(t, filepath.Join(c.base, testScanID))
}

func TestTargetPathRefusesInvalidScanID(t *testing.T) {
	c := newTestCapturer(t, nil)

	for _, scanID := range []string{
		"",
		"not-a-uuid",
		"../../etc",
		testScanID + "/..",
		"11111111-1111-1111-1111-111111111111x",
	} {
		_, err := c.targetPath(scanID, "image-alt", 0)
		require.Error(t, err, "scan id %q should be refused", scanID)
		assert.Contains(t, err.Error(), "refusing capture")
	}
}

func TestTargetPathSanitizesRuleID(t *testing.T) {
	c := newTestCapturer(t, nil)

	path, err := c.targetPath(testScanID, "../../../escape", 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.base, testScanID), filepath.Dir(path))
	assert.Contains(t, filepath.Base(path), "_escape_")
}

func TestExtFollowsQuality(t *testing.T) {
	jpeg := newTestCapturer(t, nil)
	assert.Equal(t, "jpg", jpeg.ext())

	png := newTestCapturer(t, func(c *common.ScreenshotConfig) { c.Quality = 100 })
	assert.Equal(t, "png", png.ext())
}

func TestClampedClip(t *testing.T) {
	c := newTestCapturer(t, nil)

	t.Run("symmetric padding applied", func(t *testing.T) {
		clip, err := c.clampedClip(&elementRect{
			X: 100, Y: 200, Width: 50, Height: 20,
			DocWidth: 1920, DocHeight: 5000,
		})
		require.NoError(t, err)
		assert.Equal(t, 90.0, clip.X)
		assert.Equal(t, 190.0, clip.Y)
		assert.Equal(t, 70.0, clip.Width)
		assert.Equal(t, 40.0, clip.Height)
	})

	t.Run("clamped at document origin", func(t *testing.T) {
		clip, err := c.clampedClip(&elementRect{
			X: 3, Y: 4, Width: 50, Height: 20,
			DocWidth: 1920, DocHeight: 5000,
		})
		require.NoError(t, err)
		assert.Equal(t, 0.0, clip.X)
		assert.Equal(t, 0.0, clip.Y)
		assert.Equal(t, 63.0, clip.Width)
		assert.Equal(t, 34.0, clip.Height)
	})

	t.Run("clamped at document extent", func(t *testing.T) {
		clip, err := c.clampedClip(&elementRect{
			X: 1900, Y: 4990, Width: 50, Height: 20,
			DocWidth: 1920, DocHeight: 5000,
		})
		require.NoError(t, err)
		assert.Equal(t, 1890.0, clip.X)
		assert.Equal(t, 30.0, clip.Width)
		assert.Equal(t, 20.0, clip.Height)
	})

	t.Run("zero area rejected", func(t *testing.T) {
		zero := newTestCapturer(t, func(c *common.ScreenshotConfig) { c.Padding = 0 })
		_, err := zero.clampedClip(&elementRect{
			X: 10, Y: 10, Width: 0, Height: 0,
			DocWidth: 1920, DocHeight: 5000,
		})
		require.Error(t, err)
	})
}

func TestContained(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "srv", "screenshots")

	assert.True(t, contained(base, filepath.Join(base, "scan", "file.png")))
	assert.True(t, contained(base, base))
	assert.False(t, contained(base, filepath.Join(base, "..", "other")))
	assert.False(t, contained(base, filepath.Join(string(filepath.Separator), "etc", "passwd")))
}

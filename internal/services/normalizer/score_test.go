package normalizer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/accedo/internal/models"
)

func TestPageScore(t *testing.T) {
	tests := []struct {
		name       string
		weighted   float64
		totalRules int
		want       float64
	}{
		{"clean page", 0, 10, 100},
		{"no rules applicable", 0, 0, 100},
		{"no rules with weight ignored", 5, 0, 100},
		{"one critical and one serious over two rules", 5, 2, 16.7},
		{"single minor violation", 0.5, 20, 99.2},
		{"rounds to one decimal", 1, 3, 88.9},
		{"clamped at zero", 50, 2, 0},
		{"exactly zero", 6, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PageScore(tt.weighted, tt.totalRules))
		})
	}
}

func TestScanScore(t *testing.T) {
	ok := func(score float64) *models.PageScanResult {
		return &models.PageScanResult{Score: score}
	}
	failed := func() *models.PageScanResult {
		return &models.PageScanResult{Error: "navigation failed"}
	}

	t.Run("mean of page scores", func(t *testing.T) {
		assert.Equal(t, 85.0, ScanScore([]*models.PageScanResult{ok(80), ok(90)}))
	})

	t.Run("errored pages excluded", func(t *testing.T) {
		assert.Equal(t, 90.0, ScanScore([]*models.PageScanResult{ok(90), failed()}))
	})

	t.Run("all pages errored", func(t *testing.T) {
		assert.Equal(t, 0.0, ScanScore([]*models.PageScanResult{failed(), failed()}))
	})

	t.Run("no pages", func(t *testing.T) {
		assert.Equal(t, 0.0, ScanScore(nil))
	})

	t.Run("rounded to one decimal", func(t *testing.T) {
		assert.Equal(t, 83.3, ScanScore([]*models.PageScanResult{ok(100), ok(100), ok(50)}))
	})
}

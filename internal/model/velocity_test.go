package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapConfidence(t *testing.T) {
	tests := []struct {
		c, limit, want Confidence
	}{
		{ConfidenceHigh, ConfidenceLow, ConfidenceLow},
		{ConfidenceHigh, ConfidenceMed, ConfidenceMed},
		{ConfidenceMed, ConfidenceHigh, ConfidenceMed},
		{ConfidenceLow, ConfidenceHigh, ConfidenceLow},
		{ConfidenceMed, ConfidenceMed, ConfidenceMed},
	}
	for _, tt := range tests {
		t.Run(string(tt.c)+"/"+string(tt.limit), func(t *testing.T) {
			assert.Equal(t, tt.want, CapConfidence(tt.c, tt.limit))
		})
	}
}

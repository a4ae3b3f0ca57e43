package orders

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestGenerateFallbackWithoutRedis(t *testing.T) {
	g := NewGenerator(nil, "binance", zerolog.Nop())

	id, err := g.Generate(context.Background(), OrderTypeEntry)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.HasPrefix(id, "FTB-") {
		t.Errorf("id %q missing prefix", id)
	}
	if !strings.HasSuffix(id, "-E") {
		t.Errorf("id %q missing entry suffix", id)
	}
	if len(id) > MaxClientOrderIDLength {
		t.Errorf("id %q exceeds %d characters", id, MaxClientOrderIDLength)
	}

	other, err := g.Generate(context.Background(), OrderTypeEntry)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if id == other {
		t.Errorf("fallback ids collided: %q", id)
	}
}

func TestRelatedSwapsTypeSuffix(t *testing.T) {
	tests := []struct {
		id        string
		orderType OrderType
		want      string
	}{
		{"FTB-15JAN-00042-E", OrderTypeStop, "FTB-15JAN-00042-S"},
		{"FTB-15JAN-00042-E", OrderTypeExit, "FTB-15JAN-00042-X"},
		{"FTB-a1b2c3d4-E", OrderTypeStop, "FTB-a1b2c3d4-S"},
	}
	for _, tt := range tests {
		if got := Related(tt.id, tt.orderType); got != tt.want {
			t.Errorf("Related(%q, %q) = %q, want %q", tt.id, tt.orderType, got, tt.want)
		}
	}
}

package yuv

import (
	"math"
	"testing"
)

func TestLuma(t *testing.T) {
	buf := make([]byte, FrameSize(4, 2))
	for i := range buf {
		buf[i] = byte(i)
	}
	y, err := Luma(buf, 4, 2)
	if err != nil {
		t.Fatalf("Luma: %v", err)
	}
	if len(y) != 8 || cap(y) != 8 || y[7] != 7 {
		t.Fatalf("Luma = %v (cap %d)", y, cap(y))
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(make([]byte, 8), 4, 2); err != nil {
		t.Fatalf("grayscale buffer rejected: %v", err)
	}
	if err := Validate(make([]byte, 7), 4, 2); err == nil {
		t.Fatal("short buffer accepted")
	}
	if err := Validate(nil, 0, 2); err == nil {
		t.Fatal("zero width accepted")
	}
}

func TestValidateRejectsOversizedDimensions(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
	}{
		{"product overflows", math.MaxInt/2 + 1, 4},
		{"both sides huge", math.MaxInt32, math.MaxInt32},
		{"negative height", 4, -4},
		{"side above limit", MaxDimension + 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(nil, tt.width, tt.height); err == nil {
				t.Fatalf("Validate(nil, %d, %d) accepted", tt.width, tt.height)
			}
			if _, err := Luma(nil, tt.width, tt.height); err == nil {
				t.Fatalf("Luma(nil, %d, %d) accepted", tt.width, tt.height)
			}
		})
	}
	if err := Validate(make([]byte, MaxDimension), MaxDimension, 1); err != nil {
		t.Fatalf("largest side rejected: %v", err)
	}
}

func TestFrameSize(t *testing.T) {
	if got := FrameSize(640, 480); got != 460800 {
		t.Fatalf("FrameSize = %d", got)
	}
}

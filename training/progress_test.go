package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/glyph-ae/layers"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBarTo(&buf, "Epoch 1/5", 10)

	pb.Update(5, map[string]float64{"loss": 0.5, "acc": 0.25})
	line := buf.String()
	for _, want := range []string{"\rEpoch 1/5:", " 50%|", "| 5/10", "acc=0.2500, loss=0.5000]"} {
		if !strings.Contains(line, want) {
			t.Errorf("progress line %q should contain %q", line, want)
		}
	}
	if got := strings.Count(line, "█"); got != 20 {
		t.Errorf("expected 20 filled cells at 50%%, got %d", got)
	}

	buf.Reset()
	pb.Finish()
	out := buf.String()
	if !strings.Contains(out, "100%|") || !strings.HasSuffix(out, "\n") {
		t.Errorf("unexpected final line %q", out)
	}
}

func TestProgressBarOverflow(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBarTo(&buf, "x", 2)
	pb.Update(5, nil)
	if !strings.Contains(buf.String(), "100%") {
		t.Errorf("progress beyond total should clamp to 100%%: %q", buf.String())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		0:                              "00:00",
		59 * time.Second:               "00:59",
		61 * time.Second:               "01:01",
		12*time.Minute + 3*time.Second: "12:03",
	}
	for d, want := range tests {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %s, want %s", d, got, want)
		}
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := map[int64]string{
		999:     "999",
		1500:    "1.5K",
		2500000: "2.5M",
	}
	for n, want := range tests {
		if got := formatParameterCount(n); got != want {
			t.Errorf("formatParameterCount(%d) = %s, want %s", n, got, want)
		}
	}
}

func TestModelArchitecturePrinter(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 8}).
		AddReshape([]int{8, 1, 1}, "unflatten").
		AddDeconvBlock(layers.Stage{Out: 4, Kernel: 3, Stride: 2, Padding: 0, Activation: layers.LeakyReLU}, "up").
		AddFlatten("flatten").
		AddDense(2, true, "head").
		Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	var buf bytes.Buffer
	NewModelArchitecturePrinter("Encoder").PrintArchitecture(&buf, spec)
	out := buf.String()
	for _, want := range []string{
		"Encoder(\n",
		"(unflatten): Reshape(-1, 8 1 1)",
		"(up.deconv): ConvTranspose2d(8, 4, kernel_size=(3, 3), stride=(2, 2), padding=(0, 0), bias=true)",
		"(up.bn): BatchNorm2d(4, eps=1e-05, momentum=0.1)",
		"(up.act): LeakyReLU(negative_slope=0.2)",
		"(flatten): Flatten()",
		"(head): Linear(in_features=36, out_features=2, bias=true)",
		"Total parameters:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("architecture output missing %q:\n%s", want, out)
		}
	}
}

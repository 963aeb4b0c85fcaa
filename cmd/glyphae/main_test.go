package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/glyph-ae/checkpoints"
	"github.com/tsawler/glyph-ae/config"
	"github.com/tsawler/glyph-ae/vision/preprocessing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCLI()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		t.Logf("stderr:\n%s", stderr.String())
	}
	return stdout.String(), err
}

func decodeLines(t *testing.T, out string) []decoded {
	t.Helper()
	var got []decoded
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var d decoded
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			t.Fatalf("bad decode output %q: %v", sc.Text(), err)
		}
		got = append(got, d)
	}
	return got
}

func TestCLIWorkflow(t *testing.T) {
	dir := t.TempDir()
	cp := filepath.Join(dir, "models", "tiny.json")
	imgDir := filepath.Join(dir, "imgs")
	trainArgs := []string{"train",
		"--msg-size", "8",
		"--img-channels", "1",
		"--bs", "2",
		"--epochs", "1",
		"--steps-per-epoch", "2",
		"--checkpoint", cp,
		"--image-dir", imgDir,
		"--no-progress",
	}

	if _, err := run(t, trainArgs...); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	for _, pattern := range []string{"screen_*.png", "loss_*.json"} {
		matches, _ := filepath.Glob(filepath.Join(imgDir, pattern))
		if len(matches) != 1 {
			t.Errorf("expected one %s in %s, got %v", pattern, imgDir, matches)
		}
	}
	saved, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(cp)
	if err != nil {
		t.Fatalf("checkpoint not readable: %v", err)
	}
	if saved.TrainingState.Step != 2 || saved.TrainingState.Epoch != 1 {
		t.Errorf("unexpected training state %+v", saved.TrainingState)
	}

	t.Run("resume", func(t *testing.T) {
		if _, err := run(t, append(trainArgs, "--resume")...); err != nil {
			t.Fatalf("resume failed: %v", err)
		}
		resumed, err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).LoadCheckpoint(cp)
		if err != nil {
			t.Fatal(err)
		}
		if resumed.TrainingState.Step != 4 {
			t.Errorf("expected step 4 after resuming, got %d", resumed.TrainingState.Step)
		}
	})

	t.Run("sample and decode grid", func(t *testing.T) {
		out := filepath.Join(dir, "sample.png")
		stdout, err := run(t, "sample", "--checkpoint", cp, "--out", out, "--rows", "2", "--cols", "3", "--seed", "7")
		if err != nil {
			t.Fatalf("sample failed: %v", err)
		}
		if strings.TrimSpace(stdout) != out {
			t.Errorf("expected %s on stdout, got %q", out, stdout)
		}

		stdout, err = run(t, "decode", "--checkpoint", cp, "--grid", "--rows", "2", "--cols", "3", out)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		got := decodeLines(t, stdout)
		if len(got) != 6 {
			t.Fatalf("expected 6 messages, got %d", len(got))
		}
		for i, d := range got {
			if d.Index != i || d.File != out || len(d.Message) != 8 {
				t.Errorf("unexpected line %d: %+v", i, d)
			}
		}
	})

	t.Run("decode single images", func(t *testing.T) {
		blank := filepath.Join(dir, "blank.png")
		if err := preprocessing.SavePNG(image.NewGray(image.Rect(0, 0, 52, 52)), blank); err != nil {
			t.Fatal(err)
		}
		stdout, err := run(t, "decode", "--checkpoint", cp, blank, blank)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		got := decodeLines(t, stdout)
		if len(got) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got))
		}
		// same input, same eval-mode output
		if diff := cmp.Diff(got[0].Message, got[1].Message); diff != "" {
			t.Errorf("decoding is not deterministic (-first +second):\n%s", diff)
		}
	})

	t.Run("decode wrong size", func(t *testing.T) {
		small := filepath.Join(dir, "small.png")
		if err := preprocessing.SavePNG(image.NewGray(image.Rect(0, 0, 10, 10)), small); err != nil {
			t.Fatal(err)
		}
		if _, err := run(t, "decode", "--checkpoint", cp, small); err == nil {
			t.Error("expected error for a 10x10 image")
		}
	})

	t.Run("export", func(t *testing.T) {
		out := filepath.Join(dir, "onnx")
		stdout, err := run(t, "export", "--checkpoint", cp, "--out", out)
		if err != nil {
			t.Fatalf("export failed: %v", err)
		}
		for _, name := range []string{"encoder.onnx", "decoder.onnx"} {
			path := filepath.Join(out, name)
			info, err := os.Stat(path)
			if err != nil || info.Size() == 0 {
				t.Errorf("%s missing or empty: %v", name, err)
			}
			if !strings.Contains(stdout, path) {
				t.Errorf("%s not reported on stdout %q", path, stdout)
			}
		}
		if _, err := run(t, "export", "--checkpoint", cp, "--network", "both-ish"); err == nil {
			t.Error("expected error for unknown network")
		}
	})
}

func TestSampleMissingCheckpoint(t *testing.T) {
	_, err := run(t, "sample", "--checkpoint", filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	tests := []struct {
		style string
		want  []string
	}{
		{"table", []string{"Encoder", "Decoder", "up8.deconv", "head"}},
		{"torch", []string{"Encoder(", "Decoder(", "Total parameters"}},
	}
	for _, tt := range tests {
		t.Run(tt.style, func(t *testing.T) {
			out, err := run(t, "summary", "--msg-size", "16", "--img-channels", "3", "--style", tt.style)
			if err != nil {
				t.Fatalf("summary failed: %v", err)
			}
			for _, s := range tt.want {
				if !strings.Contains(out, s) {
					t.Errorf("summary missing %q:\n%s", s, out)
				}
			}
		})
	}

	if _, err := run(t, "summary", "--style", "yaml"); err == nil {
		t.Error("expected error for unknown style")
	}
}

func TestConfigFromFlags(t *testing.T) {
	t.Setenv("GLYPHAE_BS", "16")
	t.Setenv("GLYPHAE_LR", "0.01")
	t.Setenv("GLYPHAE_SEED", "42")

	cmd := newTrainCmd()
	if err := cmd.Flags().Parse([]string{"--bs", "4", "--noise-size", "0.5"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := configFromFlags(cmd.Flags())
	if err != nil {
		t.Fatalf("configFromFlags failed: %v", err)
	}

	want := config.Default()
	want.BatchSize = 4
	want.LearningRate = 0.01
	want.NoiseSize = 0.5
	want.Seed = 42
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFromFlagsValidates(t *testing.T) {
	tests := map[string][]string{
		"zero batch":      {"--bs", "0"},
		"negative noise":  {"--noise-size", "-1"},
		"onnx checkpoint": {"--format", "onnx"},
		"gpu":             {"--device", "gpu"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			cmd := newTrainCmd()
			if err := cmd.Flags().Parse(args); err != nil {
				t.Fatal(err)
			}
			if _, err := configFromFlags(cmd.Flags()); !errors.Is(err, config.ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

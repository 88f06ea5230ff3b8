// Package inference invokes the external neural collaborators. Each call takes
// an explicit parameter struct that is serialized into a fresh argument vector.
package inference

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/lexiqai/speech-gateway/internal/synthesis"
)

// SemanticTokensFile is the file the decoder writes into its output directory
const SemanticTokensFile = "codes_0.npy"

// EncodeParams drive reference-audio encoding
type EncodeParams struct {
	InputPath  string // Normalized 16-bit reference WAV
	OutputPath string // Where the reference tokens are written
	Checkpoint string
	Device     string
}

// GenerateParams drive text-to-semantic generation
type GenerateParams struct {
	Text         string
	Checkpoint   string
	OutputDir    string
	PromptTokens string // Empty when no reference audio was encoded
	PromptText   string
	Device       string
	Compile      bool
	Sampling     synthesis.SamplingParams
}

// SynthesizeParams drive waveform synthesis
type SynthesizeParams struct {
	InputPath  string // Semantic tokens
	OutputPath string // WAV to write
	Checkpoint string
	Device     string
}

// Encoder turns reference audio into reference tokens
type Encoder interface {
	Encode(ctx context.Context, p EncodeParams) error
}

// Decoder turns text and an optional reference into semantic tokens and
// returns the path of the tokens file
type Decoder interface {
	Generate(ctx context.Context, p GenerateParams) (string, error)
}

// Vocoder turns semantic tokens into a waveform
type Vocoder interface {
	Synthesize(ctx context.Context, p SynthesizeParams) error
}

// EncodeArgs serializes p into collaborator flags
func EncodeArgs(p EncodeParams) []string {
	return []string{
		"--input-path", p.InputPath,
		"--output-path", p.OutputPath,
		"--checkpoint-path", p.Checkpoint,
		"--device", p.Device,
	}
}

// GenerateArgs serializes p into collaborator flags
func GenerateArgs(p GenerateParams) []string {
	args := []string{
		"--text", p.Text,
		"--checkpoint-path", p.Checkpoint,
		"--device", p.Device,
		"--num-samples", "1",
		"--output-dir", p.OutputDir,
		"--top-p", formatFloat(p.Sampling.TopP),
		"--temperature", formatFloat(p.Sampling.Temperature),
		"--repetition-penalty", formatFloat(p.Sampling.RepetitionPenalty),
		"--chunk-length", strconv.Itoa(p.Sampling.ChunkLength),
		"--max-new-tokens", strconv.Itoa(p.Sampling.MaxNewTokens),
	}
	if p.Sampling.Seed != nil {
		args = append(args, "--seed", strconv.Itoa(*p.Sampling.Seed))
	}
	if p.PromptTokens != "" {
		args = append(args, "--prompt-tokens", p.PromptTokens)
	}
	if p.PromptText != "" {
		args = append(args, "--prompt-text", p.PromptText)
	}
	if p.Compile {
		args = append(args, "--compile")
	}
	return args
}

// SynthesizeArgs serializes p into collaborator flags
func SynthesizeArgs(p SynthesizeParams) []string {
	return []string{
		"--input-path", p.InputPath,
		"--output-path", p.OutputPath,
		"--checkpoint-path", p.Checkpoint,
		"--device", p.Device,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ExecEncoder runs the encoder command line
type ExecEncoder struct {
	cmd *Command
}

// NewExecEncoder wraps cmd
func NewExecEncoder(cmd *Command) *ExecEncoder {
	return &ExecEncoder{cmd: cmd}
}

// Encode runs one encoder process
func (e *ExecEncoder) Encode(ctx context.Context, p EncodeParams) error {
	return e.cmd.Run(ctx, EncodeArgs(p))
}

// ExecDecoder runs the semantic decoder command line
type ExecDecoder struct {
	cmd *Command
}

// NewExecDecoder wraps cmd
func NewExecDecoder(cmd *Command) *ExecDecoder {
	return &ExecDecoder{cmd: cmd}
}

// Generate runs one decoder process
func (d *ExecDecoder) Generate(ctx context.Context, p GenerateParams) (string, error) {
	if err := d.cmd.Run(ctx, GenerateArgs(p)); err != nil {
		return "", err
	}
	return filepath.Join(p.OutputDir, SemanticTokensFile), nil
}

// ExecVocoder runs the vocoder command line
type ExecVocoder struct {
	cmd *Command
}

// NewExecVocoder wraps cmd
func NewExecVocoder(cmd *Command) *ExecVocoder {
	return &ExecVocoder{cmd: cmd}
}

// Synthesize runs one vocoder process
func (v *ExecVocoder) Synthesize(ctx context.Context, p SynthesizeParams) error {
	return v.cmd.Run(ctx, SynthesizeArgs(p))
}

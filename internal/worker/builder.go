package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/cusdeb/cusdeb-api/internal/database"
)

// Builder produces the image, writing its output to log.
type Builder interface {
	Build(ctx context.Context, img *database.Image, log io.Writer) error
}

// ExecBuilder runs an external build tool with the image description in its
// environment.
type ExecBuilder struct {
	Command []string
	WorkDir string
}

func NewExecBuilder(command, workDir string) (*ExecBuilder, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("build command is empty")
	}
	return &ExecBuilder{Command: args, WorkDir: workDir}, nil
}

func (b *ExecBuilder) Build(ctx context.Context, img *database.Image, log io.Writer) error {
	cmd := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	cmd.Dir = b.WorkDir
	cmd.Stdout = log
	cmd.Stderr = log
	cmd.Env = append(os.Environ(), BuildEnv(img)...)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", b.Command[0], err)
	}
	return nil
}

// BuildEnv describes img as environment variables for the build tool.
func BuildEnv(img *database.Image) []string {
	return []string{
		"CUSDEB_IMAGE_ID=" + img.ImageID,
		"CUSDEB_DEVICE=" + img.DeviceName,
		"CUSDEB_OS=" + img.DistroName,
		"CUSDEB_FLAVOUR=" + img.Flavour,
	}
}

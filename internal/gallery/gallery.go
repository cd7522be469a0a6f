// Package gallery builds the immutable table of enrolled identities from a
// directory of reference photos.
package gallery

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/schollz/progressbar/v3"
)

// acceptedExt lists the reference image extensions (compared lower-cased).
var acceptedExt = map[string]bool{
	".png":  true,
	".jpeg": true,
	".jpg":  true,
	".gif":  true,
}

// KnownFace is one enrolled identity.
type KnownFace struct {
	ID  string
	Vec types.Embedding
}

// Gallery is an ordered, read-only set of KnownFace with unique IDs.
type Gallery struct {
	faces []KnownFace
	index map[string]int
}

// New builds a gallery from already-computed faces, rejecting duplicate IDs.
func New(faces ...KnownFace) (*Gallery, error) {
	g := &Gallery{index: make(map[string]int, len(faces))}
	for _, f := range faces {
		if _, dup := g.index[f.ID]; dup {
			return nil, fmt.Errorf("duplicate identity %q", f.ID)
		}
		g.add(f)
	}
	return g, nil
}

func (g *Gallery) add(f KnownFace) {
	vec := make(types.Embedding, len(f.Vec))
	copy(vec, f.Vec)
	g.index[f.ID] = len(g.faces)
	g.faces = append(g.faces, KnownFace{ID: f.ID, Vec: vec})
}

func (g *Gallery) Len() int { return len(g.faces) }

// At returns the i-th entry in gallery order. The embedding is shared and must not be modified.
func (g *Gallery) At(i int) KnownFace { return g.faces[i] }

func (g *Gallery) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Faces returns a copy of the entries in gallery order.
func (g *Gallery) Faces() []KnownFace {
	out := make([]KnownFace, len(g.faces))
	for i, f := range g.faces {
		out[i] = KnownFace{ID: f.ID, Vec: append(types.Embedding(nil), f.Vec...)}
	}
	return out
}

// IDs returns the identity labels in gallery order.
func (g *Gallery) IDs() []string {
	ids := make([]string, len(g.faces))
	for i, f := range g.faces {
		ids[i] = f.ID
	}
	return ids
}

type options struct {
	logger   *slog.Logger
	progress io.Writer
}

type Option func(*options)

// WithLogger overrides the logger taken from the context.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProgress renders a progress bar to w while loading.
func WithProgress(w io.Writer) Option {
	return func(o *options) { o.progress = w }
}

// Load scans dir for reference images and extracts one embedding per identity.
//
// The identity label is the file name without its extension. Only the first
// detected face of each image is used. Images without a face, images that
// fail to decode, and labels already seen are skipped with a warning.
// An unreadable directory or a failing encoder aborts the load.
func Load(ctx context.Context, dir string, enc types.FaceEncoder, opts ...Option) (*Gallery, error) {
	o := options{logger: logging.From(ctx)}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.With("gallery", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read gallery directory: %w", err)
	}

	// os.ReadDir sorts by file name, which makes the gallery order deterministic.
	var files []string
	for _, e := range entries {
		if e.IsDir() || !acceptedExt[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, e.Name())
	}

	var bar *progressbar.ProgressBar
	if o.progress != nil {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("🧑‍🎓 Loading gallery"),
			progressbar.OptionSetWriter(o.progress),
			progressbar.OptionShowCount(),
		)
		defer bar.Finish()
	}

	g := &Gallery{index: make(map[string]int, len(files))}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if bar != nil {
			bar.Add(1)
		}

		id := strings.TrimSuffix(name, filepath.Ext(name))
		if g.Has(id) {
			log.Warn("duplicate identity label, keeping the first file", "file", name, "id", id)
			continue
		}

		img, err := decodeFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn("skipping unreadable reference image", "file", name, "error", err)
			continue
		}

		faces, err := enc.Encode(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
		if len(faces) == 0 {
			log.Warn("no face found in reference image", "file", name)
			continue
		}
		if len(faces) > 1 {
			log.Debug("multiple faces in reference image, using the first", "file", name, "faces", len(faces))
		}

		g.add(KnownFace{ID: id, Vec: faces[0].Vec})
	}

	log.Info("gallery loaded", "identities", g.Len(), "files", len(files))
	return g, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

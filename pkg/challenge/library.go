package challenge

import (
	"context"
	"io/fs"
	randv2 "math/rand/v2"
	"path"
	"strings"
)

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".gif": {},
}

// fsLibrary walks an image tree where each content class maps to one or
// more subdirectories.
type fsLibrary struct {
	root      fs.FS
	classDirs map[string][]string
}

var _ LocalLibrary = (*fsLibrary)(nil)

func NewFSLibrary(root fs.FS, classDirs map[string][]string) *fsLibrary {
	return &fsLibrary{root: root, classDirs: classDirs}
}

func isImage(name string) bool {
	_, ok := imageExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

func (l *fsLibrary) listDir(dir string) ([]string, error) {
	var images []string
	err := fs.WalkDir(l.root, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isImage(p) {
			images = append(images, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return images, nil
}

func (l *fsLibrary) ClassImages(ctx context.Context, class string) ([]string, error) {
	var images []string
	for _, dir := range l.classDirs[class] {
		found, err := l.listDir(dir)
		if err != nil {
			return nil, err
		}
		images = append(images, found...)
	}

	return images, nil
}

// OtherImages samples up to n images from everywhere except the class's
// own directories.
func (l *fsLibrary) OtherImages(ctx context.Context, class string, n int) ([]string, error) {
	excluded := make(map[string]struct{})
	for _, dir := range l.classDirs[class] {
		excluded[dir] = struct{}{}
	}

	var pool []string
	err := fs.WalkDir(l.root, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := excluded[p]; skip {
				return fs.SkipDir
			}
			return nil
		}
		if isImage(p) {
			pool = append(pool, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	randv2.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	return pool[:min(n, len(pool))], nil
}

func (l *fsLibrary) Read(ctx context.Context, p string) ([]byte, error) {
	return fs.ReadFile(l.root, p)
}

package analyze

import (
	"io"
	"os"
	"path/filepath"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// FSTree walks a billy filesystem from its root
func FSTree(fs billy.Filesystem) Tree {
	return TreeFunc(func(fn VisitFunc) error {
		return util.Walk(fs, ".", func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel := filepath.ToSlash(p)
			if info.IsDir() {
				if rel != "." && Skipped(rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			return fn(rel, info.Size(), func() (io.ReadCloser, error) {
				return fs.Open(p)
			})
		})
	})
}

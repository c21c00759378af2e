package extractor

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

type TARExtractor struct{}

func NewTAR() *TARExtractor {
	return &TARExtractor{}
}

// member is what Root keeps of each header for the checks that need the
// whole archive.
type member struct {
	name     string
	typeflag byte
	linkname string
}

// Root scans the whole archive and returns its single top-level directory.
// Archives with no entries, several top-level entries, a top-level file, a
// member escaping the root or a member written through a symlink are rejected
// with ErrStructure.
func (te *TARExtractor) Root(src string) (string, error) {
	var root string
	var members []member
	links := make(linkIndex)

	err := te.walk(src, func(header *tar.Header, _ io.Reader) error {
		name, err := memberPath(header.Name)
		if err != nil {
			return err
		}
		top, rest, _ := strings.Cut(name, "/")

		if root == "" {
			if rest == "" && header.Typeflag != tar.TypeDir {
				return fmt.Errorf("%w: first entry %q is not a directory", ErrStructure, header.Name)
			}
			root = top
		} else if top != root {
			return fmt.Errorf("%w: entry %q outside root directory %q", ErrStructure, header.Name, root)
		}

		if header.Typeflag == tar.TypeSymlink {
			if header.Linkname == "" || path.IsAbs(header.Linkname) {
				return fmt.Errorf("%w: symlink %q has target %q", ErrStructure, header.Name, header.Linkname)
			}
			links[name] = header.Linkname
		}
		members = append(members, member{name: name, typeflag: header.Typeflag, linkname: header.Linkname})
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", fmt.Errorf("%w: archive has no entries", ErrStructure)
	}

	for _, m := range members {
		if err := links.check(m, root); err != nil {
			return "", err
		}
	}

	return root, nil
}

// Extract unpacks src into dst and returns the number of regular files written.
// Archives are expected to have passed Root; every write still goes through an
// os.Root so nothing lands outside dst.
func (te *TARExtractor) Extract(src, dst string) (int, error) {
	dir, err := os.OpenRoot(dst)
	if err != nil {
		return 0, err
	}
	defer dir.Close()

	var files int

	err = te.walk(src, func(header *tar.Header, body io.Reader) error {
		name, err := memberPath(header.Name)
		if err != nil {
			return err
		}
		target := filepath.FromSlash(name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := dir.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := dir.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			outFile, err := dir.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, header.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(outFile, body); err != nil {
				outFile.Close()
				return err
			}
			if err := outFile.Close(); err != nil {
				return err
			}
			files++
		case tar.TypeSymlink:
			if err := dir.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			dir.Remove(target)
			if err := dir.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linked, err := memberPath(header.Linkname)
			if err != nil {
				return err
			}
			if err := dir.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			dir.Remove(target)
			if err := dir.Link(filepath.FromSlash(linked), target); err != nil {
				return err
			}
			files++
		}
		return nil
	})

	return files, err
}

// walk calls fn for every member of the archive, skipping pax global headers.
func (te *TARExtractor) walk(src string, fn func(*tar.Header, io.Reader) error) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, cleanup, err := te.getDecompressor(file)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	tr := tar.NewReader(reader)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrStructure, src, err)
		}

		// codeload tarballs start with a pax_global_header carrying the commit.
		if header.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		if err := fn(header, tr); err != nil {
			return err
		}
	}
}

// memberPath normalizes an archive member name and rejects names escaping the
// extraction root.
func memberPath(name string) (string, error) {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) || strings.Contains(name, `\`) {
		return "", fmt.Errorf("%w: invalid path in archive: %q", ErrStructure, name)
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: invalid path in archive: %q", ErrStructure, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: invalid path in archive: %q", ErrStructure, name)
		}
	}
	return cleaned, nil
}

// maxLinkHops bounds symlink substitutions per resolved path, like the
// kernel's ELOOP limit.
const maxLinkHops = 40

// linkIndex maps symlink members to their targets so paths can be resolved
// the way the filesystem will see them once the archive is unpacked.
type linkIndex map[string]string

// check rejects m when its parent path runs through a symlink member or when
// its link target, followed through earlier links, leaves root.
func (li linkIndex) check(m member, root string) error {
	if li.throughLink(m.name) {
		return fmt.Errorf("%w: entry %q is written through a symlink", ErrStructure, m.name)
	}

	var resolved string
	switch m.typeflag {
	case tar.TypeSymlink:
		hops := maxLinkHops
		r, ok := li.resolve(path.Dir(m.name)+"/"+m.linkname, &hops)
		if !ok {
			return fmt.Errorf("%w: symlink %q points outside %q (%q)", ErrStructure, m.name, root, m.linkname)
		}
		resolved = r
	case tar.TypeLink:
		linked, err := memberPath(m.linkname)
		if err != nil {
			return err
		}
		if li.throughLink(linked) {
			return fmt.Errorf("%w: hard link %q target %q runs through a symlink", ErrStructure, m.name, m.linkname)
		}
		resolved = linked
	default:
		return nil
	}

	if resolved != root && !strings.HasPrefix(resolved, root+"/") {
		return fmt.Errorf("%w: link %q points outside %q (%q)", ErrStructure, m.name, root, m.linkname)
	}
	return nil
}

// throughLink reports whether any parent directory of name is a symlink member.
func (li linkIndex) throughLink(name string) bool {
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, ok := li[dir]; ok {
			return true
		}
	}
	return false
}

// resolve walks p component by component, substituting symlink members as it
// meets them. Lexical cleaning is wrong here: "s/.." is not "." when s is a
// link. ok is false when p climbs above the archive or loops.
func (li linkIndex) resolve(p string, hops *int) (string, bool) {
	var cur []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(cur) == 0 {
				return "", false
			}
			cur = cur[:len(cur)-1]
			continue
		}

		cur = append(cur, part)
		target, ok := li[strings.Join(cur, "/")]
		if !ok {
			continue
		}
		*hops--
		if *hops < 0 || path.IsAbs(target) {
			return "", false
		}
		next := target
		if parent := strings.Join(cur[:len(cur)-1], "/"); parent != "" {
			next = parent + "/" + target
		}
		r, ok := li.resolve(next, hops)
		if !ok {
			return "", false
		}
		cur = cur[:0]
		if r != "" {
			cur = strings.Split(r, "/")
		}
	}
	return strings.Join(cur, "/"), true
}

// https://gist.github.com/leommoore/f9e57ba2aa4bf197ebc5 - this is AWESOME
func (te *TARExtractor) getDecompressor(file *os.File) (io.Reader, func(), error) {
	header := make([]byte, 6)
	n, _ := file.Read(header)
	header = header[:n]
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, nil, err
	}

	switch {
	case n >= 4 && header[0] == 0x28 && header[1] == 0xb5 && header[2] == 0x2f && header[3] == 0xfd:
		// zstd: 0x28B52FFD
		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return zr, func() { zr.Close() }, nil

	case n >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		// gzip: 0x1F8B
		gzr, err := gzip.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: gzip: %v", ErrStructure, err)
		}
		return gzr, func() { gzr.Close() }, nil

	case n >= 6 && header[0] == 0xfd && header[1] == 0x37 && header[2] == 0x7a && header[3] == 0x58 && header[4] == 0x5a && header[5] == 0x00:
		// xz: 0xFD377A585A00
		xzr, err := xz.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("xz: %w", err)
		}
		return xzr, nil, nil

	case n >= 2 && header[0] == 0x42 && header[1] == 0x5a:
		// bzip2: 0x425A
		return bzip2.NewReader(file), nil, nil

	default:
		// plain tar
		return file, nil, nil
	}
}

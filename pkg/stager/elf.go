package stager

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
)

// defaultSearchPaths are the directories the dynamic linker consults
// when a binary's DT_NEEDED entries don't carry an absolute path.
var defaultSearchPaths = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64", "/lib/x86_64-linux-gnu", "/usr/lib/x86_64-linux-gnu"}

// libResolver walks the ELF dynamic-linker dependency tree of a binary
// using the standard library's debug/elf package, the way
// aibor-virtrun's ELFLibResolver does, rather than shelling out to ldd
// (§4.4: ldd may be absent on the source OS).
type libResolver struct {
	searchPaths []string
	seen        map[string]bool
	Libs        []string
}

func newLibResolver(extraSearchPaths []string) *libResolver {
	return &libResolver{
		searchPaths: append(append([]string{}, extraSearchPaths...), defaultSearchPaths...),
		seen:        map[string]bool{},
	}
}

// resolve adds path's own transitive shared-library closure to Libs.
// It is safe to call repeatedly across several binaries; already-seen
// libraries are not re-walked.
func (r *libResolver) resolve(path string) error {
	needed, runpaths, err := importedLibraries(path)
	if err != nil {
		return fmt.Errorf("stager: reading ELF dependencies of %s: %w", path, err)
	}

	searchPaths := append(append([]string{}, runpaths...), r.searchPaths...)
	for _, lib := range needed {
		resolved, err := findOnPath(lib, searchPaths)
		if err != nil {
			return err
		}
		if r.seen[resolved] {
			continue
		}
		r.seen[resolved] = true
		r.Libs = append(r.Libs, resolved)
		if err := r.resolve(resolved); err != nil {
			return err
		}
	}
	return nil
}

// importedLibraries returns a binary's DT_NEEDED entries plus any
// DT_RUNPATH/DT_RPATH search-path hints it carries.
func importedLibraries(path string) (needed []string, runpaths []string, err error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	needed, err = f.ImportedLibraries()
	if err != nil {
		return nil, nil, fmt.Errorf("reading imported libraries: %w", err)
	}

	if dynstr, dynErr := f.DynString(elf.DT_RUNPATH); dynErr == nil {
		runpaths = append(runpaths, dynstr...)
	}
	if dynstr, dynErr := f.DynString(elf.DT_RPATH); dynErr == nil {
		runpaths = append(runpaths, dynstr...)
	}
	return needed, runpaths, nil
}

func findOnPath(lib string, searchPaths []string) (string, error) {
	if filepath.IsAbs(lib) {
		if _, err := os.Stat(lib); err == nil {
			return lib, nil
		}
	}
	for _, dir := range searchPaths {
		candidate := filepath.Join(dir, lib)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("stager: shared library %s could not be resolved on any search path", lib)
}

// SharedLibraryClosure returns the full, deduplicated, transitive set of
// shared libraries every binary in paths needs, per §4.4 and the
// testable property of §8 ("the staging tmpfs contains every transitive
// shared-library dependency of every staged binary").
func SharedLibraryClosure(paths []string, extraSearchPaths []string) ([]string, error) {
	r := newLibResolver(extraSearchPaths)
	for _, p := range paths {
		if err := r.resolve(p); err != nil {
			return nil, err
		}
	}
	return r.Libs, nil
}

package tree

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/reductos/espdisk/manifest"
)

func buildManifest(t *testing.T, paths ...string) *manifest.Manifest {
	t.Helper()
	m := manifest.New()
	for _, p := range paths {
		if err := m.Add(p, manifest.Bytes(p, []byte(p))); err != nil {
			t.Fatalf("unable to add %s: %v", p, err)
		}
	}
	return m
}

func names(nodes []Node) []string {
	var out []string
	for _, n := range nodes {
		name := n.Name()
		if _, ok := n.(*Directory); ok {
			name += "/"
		}
		out = append(out, name)
	}
	return out
}

func TestBuild(t *testing.T) {
	m := buildManifest(t,
		"kernel",
		"efi/boot/bootx64.efi",
		"limine.conf",
		"drv/acpid",
		"drv/pcid",
		"efi/boot/extra.efi",
	)
	tr, err := Build(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff([]string{"kernel", "efi/", "limine.conf", "drv/"}, names(tr.Root.Children())); diff != "" {
		t.Errorf("root entries mismatch (-want +got):\n%s", diff)
	}

	efi, ok := tr.Root.Child("efi")
	if !ok {
		t.Fatal("missing efi directory")
	}
	boot, ok := efi.(*Directory).Child("boot")
	if !ok {
		t.Fatal("missing efi/boot directory")
	}
	bootDir := boot.(*Directory)
	if bootDir.Path() != "efi/boot" {
		t.Errorf("efi/boot path is %q", bootDir.Path())
	}
	if bootDir.Parent() != efi {
		t.Errorf("efi/boot has wrong parent")
	}
	if diff := cmp.Diff([]string{"bootx64.efi", "extra.efi"}, names(bootDir.Children())); diff != "" {
		t.Errorf("efi/boot entries mismatch (-want +got):\n%s", diff)
	}

	var files []string
	for _, f := range tr.Files() {
		files = append(files, f.Path())
	}
	if diff := cmp.Diff([]string{"kernel", "efi/boot/bootx64.efi", "limine.conf", "drv/acpid", "drv/pcid", "efi/boot/extra.efi"}, files); diff != "" {
		t.Errorf("files not in manifest order (-want +got):\n%s", diff)
	}

	var dirs []string
	for _, d := range tr.Directories() {
		dirs = append(dirs, d.Path())
	}
	if diff := cmp.Diff([]string{"efi", "efi/boot", "drv"}, dirs); diff != "" {
		t.Errorf("directories not in pre-order (-want +got):\n%s", diff)
	}

	var want int64
	for _, f := range tr.Files() {
		want += int64(len(f.Path()))
	}
	if got := tr.ContentBytes(); got != want {
		t.Errorf("content bytes %d, expected %d", got, want)
	}
}

func TestBuildShapeIndependentOfOrder(t *testing.T) {
	a, err := Build(buildManifest(t, "efi/boot/bootx64.efi", "efi/limine.conf", "kernel"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build(buildManifest(t, "kernel", "efi/limine.conf", "efi/boot/bootx64.efi"))
	if err != nil {
		t.Fatal(err)
	}
	shape := func(tr *Tree) map[string][]string {
		out := map[string][]string{}
		_ = tr.Walk(func(d *Directory) error {
			for _, n := range d.Children() {
				out[d.Path()] = append(out[d.Path()], n.Path())
			}
			return nil
		})
		for k := range out {
			slices.Sort(out[k])
		}
		return out
	}
	if diff := cmp.Diff(shape(a), shape(b)); diff != "" {
		t.Errorf("tree shape depends on manifest order (-a +b):\n%s", diff)
	}
}

func TestBuildConflicts(t *testing.T) {
	tests := []struct {
		name     string
		paths    []string
		path     string
		conflict string
	}{
		{"file then nested", []string{"a/b", "a/b/c"}, "a/b/c", "a/b"},
		{"nested then file", []string{"a/b/c", "a/b"}, "a/b", "a/b"},
		{"top level file then nested", []string{"kernel", "kernel/extra"}, "kernel/extra", "kernel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(buildManifest(t, tt.paths...))
			if err == nil {
				t.Fatal("expected a path conflict")
			}
			if !errors.Is(err, ErrPathConflict) {
				t.Errorf("error %v is not ErrPathConflict", err)
			}
			if !errors.Is(err, manifest.ErrInvalidManifest) {
				t.Errorf("error %v is not ErrInvalidManifest", err)
			}
			var pce *PathConflictError
			if !errors.As(err, &pce) {
				t.Fatalf("error %v is not a *PathConflictError", err)
			}
			if pce.Path != tt.path || pce.Conflict != tt.conflict {
				t.Errorf("conflict reported as %q vs %q, expected %q vs %q", pce.Path, pce.Conflict, tt.path, tt.conflict)
			}
		})
	}
}

func TestBuildErrors(t *testing.T) {
	t.Run("empty manifest", func(t *testing.T) {
		_, err := Build(manifest.New())
		if !errors.Is(err, manifest.ErrInvalidManifest) {
			t.Errorf("expected ErrInvalidManifest, got %v", err)
		}
	})
	t.Run("missing source", func(t *testing.T) {
		m := manifest.New()
		if err := m.Add("drv/nvmed", manifest.FileFrom(afero.NewMemMapFs(), "/target/nvmed")); err != nil {
			t.Fatal(err)
		}
		_, err := Build(m)
		var se *manifest.SourceError
		if !errors.As(err, &se) {
			t.Fatalf("expected *manifest.SourceError, got %v", err)
		}
		if se.Path != "drv/nvmed" {
			t.Errorf("source error names %q instead of drv/nvmed", se.Path)
		}
	})
}

package db

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/tj-moody/zerobrew/pkg/digest"
	"github.com/tj-moody/zerobrew/pkg/lockfile"
)

func newDB(t *testing.T) *DB {
	t.Helper()
	root := t.TempDir()
	locks, err := lockfile.NewManager(filepath.Join(root, "locks"), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	d, err := Open(filepath.Join(root, "db", "zerobrew.sqlite"), locks)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func pkg(name string, dig digest.Digest, explicit bool, deps ...string) Package {
	return Package{
		Name:        name,
		Version:     "1.0.0",
		StoreDigest: dig,
		Explicit:    explicit,
		InstalledAt: time.Now(),
		DependsOn:   deps,
	}
}

func TestRecordAndGetPackage(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()
	dig := digest.FromBytes([]byte("wget-bottle"))

	if err := d.RecordInstall(ctx, pkg("wget", dig, true, "openssl@3")); err != nil {
		t.Fatalf("RecordInstall: %v", err)
	}

	got, err := d.GetPackage(ctx, "wget")
	if err != nil {
		t.Fatalf("GetPackage: %v", err)
	}
	if got == nil {
		t.Fatal("package not found")
	}
	if got.Name != "wget" || got.Version != "1.0.0" || !got.Explicit {
		t.Errorf("row = %+v", got)
	}
	if got.StoreDigest != dig {
		t.Errorf("digest = %s", got.StoreDigest)
	}
	if !slices.Equal(got.DependsOn, []string{"openssl@3"}) {
		t.Errorf("deps = %v", got.DependsOn)
	}
}

func TestGetPackageMissingReturnsNil(t *testing.T) {
	d := newDB(t)
	got, err := d.GetPackage(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetPackage: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestRefcountTriggers(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()
	shared := digest.FromBytes([]byte("shared-bottle"))

	if err := d.RecordInstall(ctx, pkg("a", shared, true)); err != nil {
		t.Fatal(err)
	}
	if err := d.RecordInstall(ctx, pkg("b", shared, true)); err != nil {
		t.Fatal(err)
	}

	if n, _ := d.RefCount(ctx, shared); n != 2 {
		t.Errorf("refcount = %d, want 2", n)
	}

	if err := d.RemovePackage(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if n, _ := d.RefCount(ctx, shared); n != 1 {
		t.Errorf("refcount after one removal = %d, want 1", n)
	}

	if err := d.RemovePackage(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if n, _ := d.RefCount(ctx, shared); n != 0 {
		t.Errorf("refcount after both removals = %d, want 0", n)
	}

	unref, err := d.UnreferencedDigests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unref) != 1 || unref[0] != shared {
		t.Errorf("unreferenced = %v", unref)
	}
}

func TestUpgradeMovesReference(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()
	oldDig := digest.FromBytes([]byte("v1"))
	newDig := digest.FromBytes([]byte("v2"))

	if err := d.RecordInstall(ctx, pkg("jq", oldDig, true)); err != nil {
		t.Fatal(err)
	}
	upgraded := pkg("jq", newDig, true)
	upgraded.Version = "2.0.0"
	if err := d.RecordInstall(ctx, upgraded); err != nil {
		t.Fatal(err)
	}

	if n, _ := d.RefCount(ctx, oldDig); n != 0 {
		t.Errorf("old digest refcount = %d, want 0", n)
	}
	if n, _ := d.RefCount(ctx, newDig); n != 1 {
		t.Errorf("new digest refcount = %d, want 1", n)
	}

	got, _ := d.GetPackage(ctx, "jq")
	if got.Version != "2.0.0" {
		t.Errorf("version = %s", got.Version)
	}
}

func TestExplicitSticks(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()
	dig := digest.FromBytes([]byte("x"))

	if err := d.RecordInstall(ctx, pkg("openssl@3", dig, true)); err != nil {
		t.Fatal(err)
	}
	// A later transitive install must not demote the explicit flag.
	if err := d.RecordInstall(ctx, pkg("openssl@3", dig, false)); err != nil {
		t.Fatal(err)
	}
	got, _ := d.GetPackage(ctx, "openssl@3")
	if !got.Explicit {
		t.Error("explicit flag should be sticky")
	}
	if n, _ := d.RefCount(ctx, dig); n != 1 {
		t.Errorf("same-digest reinstall should keep refcount 1, got %d", n)
	}
}

func TestDependents(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()

	if err := d.RecordInstall(ctx, pkg("openssl@3", digest.FromBytes([]byte("ssl")), false)); err != nil {
		t.Fatal(err)
	}
	if err := d.RecordInstall(ctx, pkg("wget", digest.FromBytes([]byte("wget")), true, "openssl@3")); err != nil {
		t.Fatal(err)
	}

	deps, err := d.Dependents(ctx, "openssl@3")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(deps, []string{"wget"}) {
		t.Errorf("Dependents = %v", deps)
	}

	deps, _ = d.Dependents(ctx, "wget")
	if len(deps) != 0 {
		t.Errorf("wget should have no dependents: %v", deps)
	}
}

func TestListPackages(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()

	for _, name := range []string{"zlib", "apple", "midpkg"} {
		if err := d.RecordInstall(ctx, pkg(name, digest.FromBytes([]byte(name)), true)); err != nil {
			t.Fatal(err)
		}
	}

	list, err := d.ListPackages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range list {
		names = append(names, p.Name)
	}
	if !slices.Equal(names, []string{"apple", "midpkg", "zlib"}) {
		t.Errorf("list order = %v", names)
	}
}

func TestForgetDigest(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()
	dig := digest.FromBytes([]byte("gone"))

	if err := d.RecordInstall(ctx, pkg("tmp", dig, true)); err != nil {
		t.Fatal(err)
	}
	if err := d.RemovePackage(ctx, "tmp"); err != nil {
		t.Fatal(err)
	}

	// Referenced rows must not be forgettable.
	if err := d.RecordInstall(ctx, pkg("keeper", digest.FromBytes([]byte("keep")), true)); err != nil {
		t.Fatal(err)
	}
	if err := d.ForgetDigest(ctx, digest.FromBytes([]byte("keep"))); err != nil {
		t.Fatal(err)
	}
	if n, _ := d.RefCount(ctx, digest.FromBytes([]byte("keep"))); n != 1 {
		t.Error("ForgetDigest must not drop referenced digests")
	}

	if err := d.ForgetDigest(ctx, dig); err != nil {
		t.Fatal(err)
	}
	unref, _ := d.UnreferencedDigests(ctx)
	if len(unref) != 0 {
		t.Errorf("unreferenced after forget = %v", unref)
	}
}

func TestClear(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()

	if err := d.RecordInstall(ctx, pkg("jq", digest.FromBytes([]byte("jq")), true)); err != nil {
		t.Fatal(err)
	}
	if err := d.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	list, _ := d.ListPackages(ctx)
	if len(list) != 0 {
		t.Errorf("packages after clear = %v", list)
	}
	unref, _ := d.UnreferencedDigests(ctx)
	if len(unref) != 0 {
		t.Errorf("store_refs after clear = %v", unref)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	locks, err := lockfile.NewManager(filepath.Join(root, "locks"), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "db", "zerobrew.sqlite")

	d, err := Open(path, locks)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := d.RecordInstall(ctx, pkg("jq", digest.FromBytes([]byte("jq")), true)); err != nil {
		t.Fatal(err)
	}
	d.Close()

	d, err = Open(path, locks)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	got, err := d.GetPackage(ctx, "jq")
	if err != nil || got == nil {
		t.Fatalf("package lost across reopen: %+v, %v", got, err)
	}
}

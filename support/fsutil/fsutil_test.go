package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestEnsureDirs(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	dirs := []string{
		filepath.Join(root, "a", "b"),
		filepath.Join(root, "c"),
	}
	g.Expect(EnsureDirs(0o755, dirs...)).To(Succeed())
	for _, d := range dirs {
		g.Expect(IsDir(d)).To(BeTrue())
	}

	blocker := filepath.Join(root, "file")
	g.Expect(os.WriteFile(blocker, []byte("x"), 0o600)).To(Succeed())
	err := EnsureDirs(0o755, filepath.Join(blocker, "x"), filepath.Join(blocker, "y"))
	g.Expect(err).To(MatchError(ContainSubstring("file/x")))
	g.Expect(err).To(MatchError(ContainSubstring("file/y")))
}

func TestExistsAndIsFile(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	f := filepath.Join(root, "index.txt")
	g.Expect(Exists(f)).To(BeFalse())
	g.Expect(os.WriteFile(f, nil, 0o600)).To(Succeed())
	g.Expect(Exists(f)).To(BeTrue())
	g.Expect(IsFile(f)).To(BeTrue())
	g.Expect(IsDir(f)).To(BeFalse())
	g.Expect(IsFile(root)).To(BeFalse())
}

func TestWriteAtomic(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	path := filepath.Join(root, "squid.conf")

	g.Expect(WriteAtomic(path, []byte("first"), 0o644)).To(Succeed())
	g.Expect(WriteAtomic(path, []byte("second"), 0o600)).To(Succeed())

	data, err := os.ReadFile(path)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(string(data)).To(Equal("second"))

	info, err := os.Stat(path)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))

	entries, err := os.ReadDir(root)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(entries).To(HaveLen(1), "temp files should not be left behind")
}

func TestCopyFile(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	src := filepath.Join(root, "ca.pem")
	dst := filepath.Join(root, "ca.crt")
	g.Expect(os.WriteFile(src, []byte("pem"), 0o600)).To(Succeed())

	g.Expect(CopyFile(src, dst, 0o644)).To(Succeed())
	data, err := os.ReadFile(dst)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(string(data)).To(Equal("pem"))

	g.Expect(CopyFile(filepath.Join(root, "missing"), dst, 0o644)).ToNot(Succeed())
}

func TestLookupOwner(t *testing.T) {
	current, err := user.Current()
	if err != nil {
		t.Skipf("cannot determine current user: %v", err)
	}
	uid, _ := strconv.Atoi(current.Uid)
	gid, _ := strconv.Atoi(current.Gid)

	testCases := []struct {
		name        string
		owner       string
		expectUID   int
		expectGID   int
		expectError bool
	}{
		{
			name:      "When only a user name is given it should use the primary group",
			owner:     current.Username,
			expectUID: uid,
			expectGID: gid,
		},
		{
			name:      "When a numeric group is given it should be used verbatim",
			owner:     current.Username + ":4242",
			expectUID: uid,
			expectGID: 4242,
		},
		{
			name:      "When a numeric uid is given it should resolve",
			owner:     current.Uid,
			expectUID: uid,
			expectGID: gid,
		},
		{
			name:        "When the owner is empty it should fail",
			owner:       "",
			expectError: true,
		},
		{
			name:        "When the user does not exist it should fail",
			owner:       "no-such-user-proxyja4",
			expectError: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewWithT(t)
			u, gr, err := LookupOwner(tc.owner)
			if tc.expectError {
				g.Expect(err).To(HaveOccurred())
				return
			}
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(u).To(Equal(tc.expectUID))
			g.Expect(gr).To(Equal(tc.expectGID))
		})
	}
}

func TestChownRecursive(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	g.Expect(EnsureDirs(0o755, filepath.Join(root, "certs"))).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(root, "index.txt"), nil, 0o600)).To(Succeed())

	var touched []string
	orig := lchownFunc
	defer func() { lchownFunc = orig }()
	lchownFunc = func(name string, uid, gid int) error {
		g.Expect(uid).To(Equal(13))
		g.Expect(gid).To(Equal(13))
		touched = append(touched, name)
		return nil
	}

	g.Expect(ChownRecursive(root, 13, 13)).To(Succeed())
	g.Expect(touched).To(ConsistOf(
		root,
		filepath.Join(root, "certs"),
		filepath.Join(root, "index.txt"),
	))
}

func TestAcquireLock(t *testing.T) {
	g := NewWithT(t)
	path := filepath.Join(t.TempDir(), "ssl_db.lock")

	held, err := AcquireLock(path, time.Second, 10*time.Millisecond)
	g.Expect(err).ToNot(HaveOccurred())

	_, err = AcquireLock(path, 50*time.Millisecond, 10*time.Millisecond)
	g.Expect(err).To(MatchError(ContainSubstring("timeout acquiring lock")))

	g.Expect(held.Unlock()).To(Succeed())
	again, err := AcquireLock(path, time.Second, 10*time.Millisecond)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(again.Unlock()).To(Succeed())
}

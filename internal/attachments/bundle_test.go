package attachments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/MarcoPoloResearchLab/compliance-store/internal/docstore"
)

func publicOwner(contents ...*Content) *Ownership {
	owner := &Ownership{OwnerID: "owner", Visibility: VisibilityPublic}
	for _, content := range contents {
		owner.ContentIDs = append(owner.ContentIDs, content.ID)
	}
	return owner
}

func readBundle(t *testing.T, stream io.ReadCloser) map[string]string {
	t.Helper()
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read bundle failed: %v", err)
	}
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open bundle failed: %v", err)
	}
	entries := make(map[string]string, len(archive.File))
	for _, file := range archive.File {
		entry, err := file.Open()
		if err != nil {
			t.Fatalf("open entry %s failed: %v", file.Name, err)
		}
		payload, err := io.ReadAll(entry)
		_ = entry.Close()
		if err != nil {
			t.Fatalf("read entry %s failed: %v", file.Name, err)
		}
		entries[file.Name] = string(payload)
	}
	return entries
}

func TestBundleRenamesCollisionsAndSkipsUnreadable(t *testing.T) {
	connector, _ := newTestConnector(t, &fakeFetcher{err: errors.New("remote host unreachable")})
	ctx := context.Background()

	first := mustCreateContent(t, connector, "license.txt", "MIT")
	second := mustCreateContent(t, connector, "license.txt", "Apache-2.0")
	nested := mustCreateContent(t, connector, "notes/readme.md", "# readme")
	remote, err := connector.CreateRemoteContent(ctx, "offline.pdf", "", "https://files.example.com/offline.pdf")
	if err != nil {
		t.Fatalf("create remote content failed: %v", err)
	}

	contents := []*Content{first, remote, second, nested}
	stream, err := connector.ReadBundle(ctx, contents, Identity{}, publicOwner(contents...))
	if err != nil {
		t.Fatalf("read bundle failed: %v", err)
	}
	entries := readBundle(t, stream)

	want := map[string]string{
		"license.txt":     "MIT",
		"license (1).txt": "Apache-2.0",
		"notes_readme.md": "# readme",
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), entries)
	}
	for name, payload := range want {
		if entries[name] != payload {
			t.Fatalf("entry %s: expected %q, got %q", name, payload, entries[name])
		}
	}
}

func TestBundleLeavesOutForbiddenContents(t *testing.T) {
	connector, _ := newTestConnector(t, &fakeFetcher{})
	ctx := context.Background()

	shared := mustCreateContent(t, connector, "shared.txt", "shared")
	private := mustCreateContent(t, connector, "private.txt", "private")

	entries := func() map[string]string {
		stream, err := connector.ReadBundle(ctx, []*Content{shared, private}, Identity{}, publicOwner(shared))
		if err != nil {
			t.Fatalf("read bundle failed: %v", err)
		}
		return readBundle(t, stream)
	}()
	if len(entries) != 1 || entries["shared.txt"] != "shared" {
		t.Fatalf("expected only the owned content, got %v", entries)
	}

	if _, err := connector.ReadBundle(ctx, []*Content{private}, Identity{}, publicOwner(shared)); !errors.Is(err, docstore.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied when nothing may be downloaded, got %v", err)
	}
}

func TestEmptyBundleIsAValidArchive(t *testing.T) {
	connector, _ := newTestConnector(t, &fakeFetcher{})

	stream, err := connector.ReadBundle(context.Background(), nil, Identity{}, nil)
	if err != nil {
		t.Fatalf("read bundle failed: %v", err)
	}
	if entries := readBundle(t, stream); len(entries) != 0 {
		t.Fatalf("expected empty archive, got %v", entries)
	}
}

func TestClosingBundleStopsProducer(t *testing.T) {
	connector, _ := newTestConnector(t, &fakeFetcher{})
	ctx := context.Background()

	noise := make([]byte, 4<<20)
	source := rand.New(rand.NewPCG(7, 11))
	for index := range noise {
		noise[index] = byte(source.UintN(256))
	}
	large := mustCreateContent(t, connector, "noise.bin", string(noise))
	small := mustCreateContent(t, connector, "small.txt", "small")

	stream, err := connector.ReadBundle(ctx, []*Content{large, small}, Identity{}, publicOwner(large, small))
	if err != nil {
		t.Fatalf("read bundle failed: %v", err)
	}
	header := make([]byte, 4)
	if _, err := io.ReadFull(stream, header); err != nil {
		t.Fatalf("read header failed: %v", err)
	}
	if string(header) != "PK\x03\x04" {
		t.Fatalf("expected zip local file header, got %q", header)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("expected early close to succeed, got %v", err)
	}
	if _, err := stream.Read(header); err == nil {
		t.Fatalf("expected reads after close to fail")
	}
}

func TestBundleNamer(t *testing.T) {
	testCases := []struct {
		name  string
		input []string
		want  []string
	}{
		{
			name:  "collisions in first-seen order",
			input: []string{"a.txt", "a.txt", "a.txt", "a (1).txt"},
			want:  []string{"a.txt", "a (1).txt", "a (2).txt", "a (1) (1).txt"},
		},
		{
			name:  "dotfiles keep their name as base",
			input: []string{".env", ".env"},
			want:  []string{".env", ".env (1)"},
		},
		{
			name:  "only the last extension moves",
			input: []string{"dump.tar.gz", "dump.tar.gz"},
			want:  []string{"dump.tar.gz", "dump.tar (1).gz"},
		},
		{
			name:  "separators and blanks",
			input: []string{`dir\file.txt`, "a/b.txt", "  ", ".."},
			want:  []string{"dir_file.txt", "a_b.txt", "attachment", "attachment (1)"},
		},
		{
			name:  "canonically equivalent names collide",
			input: []string{"\u00e9t\u00e9.pdf", "e\u0301te\u0301.pdf"},
			want:  []string{"\u00e9t\u00e9.pdf", "\u00e9t\u00e9 (1).pdf"},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			namer := newBundleNamer()
			for index, input := range testCase.input {
				if got := namer.next(input); got != testCase.want[index] {
					t.Fatalf("name %d: expected %q, got %q", index, testCase.want[index], got)
				}
			}
		})
	}
}

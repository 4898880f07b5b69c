/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package spool

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/mtaqueue/mtaqueued/internal/message"
)

// FileSpool is a directory of <id>.meta / <id>.header / <id>.body file
// triads, the same layout target/queue uses, with metadata updates written
// to a .new temp file and renamed into place so a crash mid-write never
// leaves a half-written .meta behind.
type FileSpool struct {
	dir string
}

// NewFileSpool returns a FileSpool rooted at dir, creating it if necessary.
func NewFileSpool(dir string) (*FileSpool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileSpool{dir: dir}, nil
}

func (s *FileSpool) metaPath(id string) string   { return filepath.Join(s.dir, id+".meta") }
func (s *FileSpool) headerPath(id string) string { return filepath.Join(s.dir, id+".header") }
func (s *FileSpool) bodyPath(id string) string   { return filepath.Join(s.dir, id+".body") }

func (s *FileSpool) NewID() string {
	return uuid.NewString()
}

func (s *FileSpool) Save(_ context.Context, m *message.Message, hdr textproto.Header, body []byte) error {
	hf, err := os.Create(s.headerPath(m.ID))
	if err != nil {
		return err
	}
	if err := textproto.WriteHeader(hf, hdr); err != nil {
		hf.Close()
		return err
	}
	if err := hf.Sync(); err != nil {
		hf.Close()
		return err
	}
	if err := hf.Close(); err != nil {
		return err
	}

	if err := os.WriteFile(s.bodyPath(m.ID), body, 0o600); err != nil {
		return err
	}

	return s.SaveMeta(context.Background(), m)
}

// SaveMeta writes m's metadata via a temp-file-then-rename so a concurrent
// reader (or a crash) never observes a partially written .meta file,
// matching updateMetadataOnDisk's .new-suffix rename dance.
func (s *FileSpool) SaveMeta(_ context.Context, m *message.Message) error {
	data, err := json.Marshal(toMeta(m))
	if err != nil {
		return err
	}

	tmp := s.metaPath(m.ID) + ".new"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.metaPath(m.ID))
}

func (s *FileSpool) Load(_ context.Context, id string) (*message.Message, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return nil, err
	}
	var mt meta
	if err := json.Unmarshal(data, &mt); err != nil {
		return nil, err
	}
	return fromMeta(mt), nil
}

func (s *FileSpool) LoadBody(_ context.Context, id string) (textproto.Header, []byte, error) {
	hf, err := os.Open(s.headerPath(id))
	if err != nil {
		return textproto.Header{}, nil, err
	}
	defer hf.Close()
	hdr, err := textproto.ReadHeader(bufio.NewReader(hf))
	if err != nil {
		return textproto.Header{}, nil, err
	}

	body, err := os.ReadFile(s.bodyPath(id))
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return hdr, body, nil
}

func (s *FileSpool) Remove(_ context.Context, id string) error {
	var firstErr error
	for _, p := range []string{s.metaPath(id), s.headerPath(id), s.bodyPath(id)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *FileSpool) List(ctx context.Context) ([]*message.Message, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var out []*message.Message
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".meta")
		m, err := s.Load(ctx, id)
		if err != nil {
			// Partially written or corrupt metadata: skip it rather
			// than fail the whole rebuild, mirroring discardBroken's
			// best-effort recovery on startup.
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

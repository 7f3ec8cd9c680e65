package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.etcd.io/bbolt"

	"checkpoint-forecast/internal/domain"
)

func artifactKey(h domain.Horizon, version int) []byte {
	return []byte(fmt.Sprintf("%s%c%010d", h, sep, version))
}

func artifactPrefix(h domain.Horizon) []byte {
	return []byte(string(h) + string(sep))
}

// SaveArtifact stores a new artifact version. With activate set, the active pointer of
// the artifact's horizon is moved in the same transaction. Existing versions are never
// overwritten.
func (s *Store) SaveArtifact(ctx context.Context, a domain.ModelArtifact, activate bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.Horizon.Valid() || a.Version <= 0 {
		return fmt.Errorf("artifact needs a horizon and a positive version, got %q v%d", a.Horizon, a.Version)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(artifactsBucket))
		key := artifactKey(a.Horizon, a.Version)
		if b.Get(key) != nil {
			return fmt.Errorf("artifact %s v%d already exists", a.Horizon, a.Version)
		}
		if err := putJSON(b, key, a); err != nil {
			return err
		}
		if !activate {
			return nil
		}
		return tx.Bucket([]byte(activeBucket)).Put([]byte(a.Horizon), []byte(strconv.Itoa(a.Version)))
	})
}

// Artifact loads one version, or domain.ErrVersionNotFound.
func (s *Store) Artifact(ctx context.Context, h domain.Horizon, version int) (domain.ModelArtifact, error) {
	if err := ctx.Err(); err != nil {
		return domain.ModelArtifact{}, err
	}
	var a domain.ModelArtifact
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(artifactsBucket)).Get(artifactKey(h, version))
		if v == nil {
			return fmt.Errorf("%s v%d: %w", h, version, domain.ErrVersionNotFound)
		}
		if err := json.Unmarshal(v, &a); err != nil {
			return fmt.Errorf("unmarshal artifact %s v%d: %w", h, version, err)
		}
		return nil
	})
	return a, err
}

// ListArtifacts returns the stored versions of h, oldest first. Active is left false.
func (s *Store) ListArtifacts(ctx context.Context, h domain.Horizon) ([]domain.ArtifactInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.ArtifactInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(artifactsBucket)).Cursor()
		prefix := artifactPrefix(h)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var a domain.ModelArtifact
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("unmarshal artifact %s: %w", k, err)
			}
			out = append(out, a.Info(false))
		}
		return nil
	})
	return out, err
}

// LatestVersion returns the highest stored version of h, or 0.
func (s *Store) LatestVersion(ctx context.Context, h domain.Horizon) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	latest := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(artifactsBucket)).Cursor()
		prefix := artifactPrefix(h)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			v, err := strconv.Atoi(string(k[len(prefix):]))
			if err != nil {
				return fmt.Errorf("bad artifact key %q: %w", k, err)
			}
			latest = v
		}
		return nil
	})
	return latest, err
}

// ActiveVersion returns the active version of h, or 0 when none was ever published.
func (s *Store) ActiveVersion(ctx context.Context, h domain.Horizon) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	version := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(activeBucket)).Get([]byte(h))
		if v == nil {
			return nil
		}
		var err error
		version, err = strconv.Atoi(string(v))
		return err
	})
	return version, err
}

// SetActive repoints h to an existing version.
func (s *Store) SetActive(ctx context.Context, h domain.Horizon, version int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(artifactsBucket)).Get(artifactKey(h, version)) == nil {
			return fmt.Errorf("%s v%d: %w", h, version, domain.ErrVersionNotFound)
		}
		return tx.Bucket([]byte(activeBucket)).Put([]byte(h), []byte(strconv.Itoa(version)))
	})
}

package store

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/labfleet/labfleet/internal/catalog"
)

func versionIndexKey(version string) []byte {
	return []byte("idx::version::" + version)
}

// CreateAgentVersion persists a version row with its version-string index.
func (s *Store) CreateAgentVersion(v catalog.AgentVersion) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentVersions)

		if existing := b.Get(versionIndexKey(v.Version)); existing != nil {
			return ErrVersionExists
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		v.ID = id

		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal agent version: %w", err)
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}
		return b.Put(versionIndexKey(v.Version), itob(id))
	})
	return id, err
}

// GetAgentVersion returns the row by ID, or nil.
func (s *Store) GetAgentVersion(id int64) (*catalog.AgentVersion, error) {
	var v *catalog.AgentVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgentVersions).Get(itob(id))
		if data == nil {
			return nil
		}
		v = &catalog.AgentVersion{}
		return json.Unmarshal(data, v)
	})
	return v, err
}

// GetAgentVersionByVersion resolves the version-string index, or nil.
func (s *Store) GetAgentVersionByVersion(version string) (*catalog.AgentVersion, error) {
	var v *catalog.AgentVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentVersions)
		idKey := b.Get(versionIndexKey(version))
		if idKey == nil {
			return nil
		}
		data := b.Get(idKey)
		if data == nil {
			return nil
		}
		v = &catalog.AgentVersion{}
		return json.Unmarshal(data, v)
	})
	return v, err
}

// SetStableVersion flips the stable flag on id. When promoting, every
// other row is demoted in the same transaction so the single-stable
// invariant can never be observed violated.
func (s *Store) SetStableVersion(id int64, stable bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentVersions)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("agent version %d not found", id)
		}

		// Mutating inside ForEach invalidates the cursor; collect first,
		// write after the scan.
		var changed []catalog.AgentVersion
		err := b.ForEach(func(k, data []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var v catalog.AgentVersion
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}

			want := v.IsStable
			if v.ID == id {
				want = stable
			} else if stable {
				want = false
			}
			if want == v.IsStable {
				return nil
			}
			v.IsStable = want
			changed = append(changed, v)
			return nil
		})
		if err != nil {
			return err
		}
		for _, v := range changed {
			updated, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := b.Put(itob(v.ID), updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetStableVersion returns the row with is_stable set, or nil.
func (s *Store) GetStableVersion() (*catalog.AgentVersion, error) {
	var stable *catalog.AgentVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentVersions).ForEach(func(k, data []byte) error {
			if isIndexKey(k) || stable != nil {
				return nil
			}
			var v catalog.AgentVersion
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			if v.IsStable {
				stable = &v
			}
			return nil
		})
	})
	return stable, err
}

// ListAgentVersions returns rows ordered stable first, then newest first.
func (s *Store) ListAgentVersions() ([]catalog.AgentVersion, error) {
	var versions []catalog.AgentVersion
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgentVersions).ForEach(func(k, data []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var v catalog.AgentVersion
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			versions = append(versions, v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].IsStable != versions[j].IsStable {
			return versions[i].IsStable
		}
		return versions[i].CreatedAt.After(versions[j].CreatedAt)
	})
	return versions, nil
}

// DeleteAgentVersion removes the row and its index.
func (s *Store) DeleteAgentVersion(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentVersions)
		data := b.Get(itob(id))
		if data == nil {
			return nil
		}
		var v catalog.AgentVersion
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("unmarshal agent version: %w", err)
		}
		if err := b.Delete(itob(id)); err != nil {
			return err
		}
		return b.Delete(versionIndexKey(v.Version))
	})
}

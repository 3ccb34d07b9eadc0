package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Record buckets
	bucketSandboxes    = []byte("sandboxes")
	bucketPool         = []byte("pool")
	bucketRepoImages   = []byte("repo_images")
	bucketCheckpoints  = []byte("checkpoints")
	bucketSessions     = []byte("sessions")
	bucketMessages     = []byte("messages")
	bucketFileChanges  = []byte("file_changes")
	bucketBashCommands = []byte("bash_commands")
	bucketCredentials  = []byte("credentials")

	// Index buckets; values are record ids, keys are composite
	idxSandboxStatus  = []byte("idx_sandbox_status")
	idxSandboxSession = []byte("idx_sandbox_session")
	idxSandboxName    = []byte("idx_sandbox_name")
	idxPoolStatus     = []byte("idx_pool_status")
	idxPoolRepo       = []byte("idx_pool_repo")
	idxMessageSession = []byte("idx_message_session")
	idxChangeSession  = []byte("idx_change_session")
	idxBashMessage    = []byte("idx_bash_message")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSandboxes,
			bucketPool,
			bucketRepoImages,
			bucketCheckpoints,
			bucketSessions,
			bucketMessages,
			bucketFileChanges,
			bucketBashCommands,
			bucketCredentials,
			idxSandboxStatus,
			idxSandboxSession,
			idxSandboxName,
			idxPoolStatus,
			idxPoolRepo,
			idxMessageSession,
			idxChangeSession,
			idxBashMessage,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// timeKey encodes a timestamp so lexical ordering matches chronological
func timeKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func sandboxStatusKey(sb *types.Sandbox) []byte {
	return []byte(string(sb.Status) + "/" + timeKey(sb.StatusChangedAt) + "/" + sb.ID)
}

func sandboxSessionKey(sb *types.Sandbox) []byte {
	return []byte(sb.SessionID + "/" + sb.ID)
}

func poolStatusKey(e *types.PoolEntry) []byte {
	return []byte(string(e.Status) + "/" + timeKey(e.CreatedAt) + "/" + e.ID)
}

func poolRepoKey(e *types.PoolEntry) []byte {
	return []byte(e.RepoID + "/" + string(e.Status) + "/" + e.ID)
}

func imageKey(repoID, branch string) []byte {
	return []byte(repoID + "/" + branch)
}

// putSandboxTx writes a sandbox and maintains its indexes. old may be
// nil for a fresh insert.
func putSandboxTx(tx *bolt.Tx, old, sb *types.Sandbox) error {
	data, err := json.Marshal(sb)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketSandboxes).Put([]byte(sb.ID), data); err != nil {
		return err
	}

	statusIdx := tx.Bucket(idxSandboxStatus)
	if old != nil {
		if err := statusIdx.Delete(sandboxStatusKey(old)); err != nil {
			return err
		}
	}
	if err := statusIdx.Put(sandboxStatusKey(sb), []byte(sb.ID)); err != nil {
		return err
	}

	if old == nil {
		if sb.SessionID != "" {
			if err := tx.Bucket(idxSandboxSession).Put(sandboxSessionKey(sb), []byte(sb.ID)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(idxSandboxName).Put([]byte(sb.Name), []byte(sb.ID)); err != nil {
			return err
		}
	}
	return nil
}

func deleteSandboxTx(tx *bolt.Tx, sb *types.Sandbox) error {
	if err := tx.Bucket(bucketSandboxes).Delete([]byte(sb.ID)); err != nil {
		return err
	}
	if err := tx.Bucket(idxSandboxStatus).Delete(sandboxStatusKey(sb)); err != nil {
		return err
	}
	if sb.SessionID != "" {
		if err := tx.Bucket(idxSandboxSession).Delete(sandboxSessionKey(sb)); err != nil {
			return err
		}
	}
	return tx.Bucket(idxSandboxName).Delete([]byte(sb.Name))
}

func getSandboxTx(tx *bolt.Tx, id string) (*types.Sandbox, error) {
	data := tx.Bucket(bucketSandboxes).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var sb types.Sandbox
	if err := json.Unmarshal(data, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// Sandbox operations

func (s *BoltStore) CreateSandbox(sb *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSandboxes).Get([]byte(sb.ID)) != nil {
			return fmt.Errorf("sandbox already exists: %s", sb.ID)
		}
		return putSandboxTx(tx, nil, sb)
	})
}

func (s *BoltStore) GetSandbox(id string) (*types.Sandbox, error) {
	var sb *types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sb, err = getSandboxTx(tx, id)
		return err
	})
	return sb, err
}

func (s *BoltStore) GetSandboxByName(name string) (*types.Sandbox, error) {
	var sb *types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(idxSandboxName).Get([]byte(name))
		if id == nil {
			return ErrNotFound
		}
		var err error
		sb, err = getSandboxTx(tx, string(id))
		return err
	})
	return sb, err
}

func (s *BoltStore) ListSandboxes() ([]*types.Sandbox, error) {
	var sandboxes []*types.Sandbox
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandboxes).ForEach(func(k, v []byte) error {
			var sb types.Sandbox
			if err := json.Unmarshal(v, &sb); err != nil {
				return err
			}
			sandboxes = append(sandboxes, &sb)
			return nil
		})
	})
	return sandboxes, err
}

func (s *BoltStore) ListSandboxesByStatus(status types.SandboxStatus, changedBefore time.Time, limit int) ([]*types.Sandbox, error) {
	var sandboxes []*types.Sandbox
	prefix := []byte(string(status) + "/")
	var bound []byte
	if !changedBefore.IsZero() {
		bound = []byte(string(status) + "/" + timeKey(changedBefore))
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxSandboxStatus).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			if bound != nil && bytes.Compare(k, bound) >= 0 {
				break
			}
			sb, err := getSandboxTx(tx, string(id))
			if err != nil {
				return err
			}
			sandboxes = append(sandboxes, sb)
			if limit > 0 && len(sandboxes) >= limit {
				break
			}
		}
		return nil
	})
	return sandboxes, err
}

func (s *BoltStore) ListSandboxesBySession(sessionID string) ([]*types.Sandbox, error) {
	var sandboxes []*types.Sandbox
	prefix := []byte(sessionID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxSandboxSession).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			sb, err := getSandboxTx(tx, string(id))
			if err != nil {
				return err
			}
			sandboxes = append(sandboxes, sb)
		}
		return nil
	})
	return sandboxes, err
}

func (s *BoltStore) UpdateSandbox(id string, mutate func(*types.Sandbox) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		old, err := getSandboxTx(tx, id)
		if err != nil {
			return err
		}

		// Work on a copy so the index cleanup sees the pre-mutation key
		updated := *old
		updated.StatusHistory = append([]types.StatusChange(nil), old.StatusHistory...)
		if err := mutate(&updated); err != nil {
			return err
		}

		return putSandboxTx(tx, old, &updated)
	})
}

func (s *BoltStore) DeleteSandbox(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb, err := getSandboxTx(tx, id)
		if err != nil {
			return err
		}
		return deleteSandboxTx(tx, sb)
	})
}

// Pool operations

func putPoolEntryTx(tx *bolt.Tx, old, e *types.PoolEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketPool).Put([]byte(e.ID), data); err != nil {
		return err
	}

	statusIdx := tx.Bucket(idxPoolStatus)
	repoIdx := tx.Bucket(idxPoolRepo)
	if old != nil {
		if err := statusIdx.Delete(poolStatusKey(old)); err != nil {
			return err
		}
		if old.RepoID != "" {
			if err := repoIdx.Delete(poolRepoKey(old)); err != nil {
				return err
			}
		}
	}
	if err := statusIdx.Put(poolStatusKey(e), []byte(e.ID)); err != nil {
		return err
	}
	if e.RepoID != "" {
		if err := repoIdx.Put(poolRepoKey(e), []byte(e.ID)); err != nil {
			return err
		}
	}
	return nil
}

func getPoolEntryTx(tx *bolt.Tx, id string) (*types.PoolEntry, error) {
	data := tx.Bucket(bucketPool).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var e types.PoolEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) CreatePoolEntry(e *types.PoolEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPool).Get([]byte(e.ID)) != nil {
			return fmt.Errorf("pool entry already exists: %s", e.ID)
		}
		return putPoolEntryTx(tx, nil, e)
	})
}

func (s *BoltStore) GetPoolEntry(id string) (*types.PoolEntry, error) {
	var e *types.PoolEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getPoolEntryTx(tx, id)
		return err
	})
	return e, err
}

func (s *BoltStore) ListPoolEntries() ([]*types.PoolEntry, error) {
	var entries []*types.PoolEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPool).ForEach(func(k, v []byte) error {
			var e types.PoolEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) ListPoolEntriesByStatus(status types.PoolStatus) ([]*types.PoolEntry, error) {
	var entries []*types.PoolEntry
	prefix := []byte(string(status) + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxPoolStatus).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			e, err := getPoolEntryTx(tx, string(id))
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) ListPoolEntriesByRepo(repoID string, status types.PoolStatus) ([]*types.PoolEntry, error) {
	var entries []*types.PoolEntry
	prefix := []byte(repoID + "/" + string(status) + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxPoolRepo).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			e, err := getPoolEntryTx(tx, string(id))
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) UpdatePoolEntry(id string, mutate func(*types.PoolEntry) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		old, err := getPoolEntryTx(tx, id)
		if err != nil {
			return err
		}
		updated := *old
		if err := mutate(&updated); err != nil {
			return err
		}
		return putPoolEntryTx(tx, old, &updated)
	})
}

func (s *BoltStore) DeletePoolEntry(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		e, err := getPoolEntryTx(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketPool).Delete([]byte(e.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(idxPoolStatus).Delete(poolStatusKey(e)); err != nil {
			return err
		}
		if e.RepoID != "" {
			return tx.Bucket(idxPoolRepo).Delete(poolRepoKey(e))
		}
		return nil
	})
}

func (s *BoltStore) AssignPoolEntry(entryID string, sb *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		old, err := getPoolEntryTx(tx, entryID)
		if err != nil {
			return err
		}
		if old.Status != types.PoolReady {
			return fmt.Errorf("pool entry %s is %s, not ready", entryID, old.Status)
		}

		updated := *old
		updated.Status = types.PoolAssigned
		updated.AssignedAt = time.Now()
		if err := putPoolEntryTx(tx, old, &updated); err != nil {
			return err
		}

		if sb.SessionID != "" {
			if err := linkSessionTx(tx, sb.SessionID, sb.ID); err != nil {
				return err
			}
		}
		if tx.Bucket(bucketSandboxes).Get([]byte(sb.ID)) != nil {
			return fmt.Errorf("sandbox already exists: %s", sb.ID)
		}
		return putSandboxTx(tx, nil, sb)
	})
}

// Repo image operations

func (s *BoltStore) PutRepoImage(img *types.RepoImage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(img)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRepoImages).Put(imageKey(img.RepoID, img.Branch), data)
	})
}

func (s *BoltStore) GetRepoImage(repoID, branch string) (*types.RepoImage, error) {
	var img types.RepoImage
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRepoImages).Get(imageKey(repoID, branch))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &img)
	})
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *BoltStore) ListRepoImages() ([]*types.RepoImage, error) {
	var images []*types.RepoImage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepoImages).ForEach(func(k, v []byte) error {
			var img types.RepoImage
			if err := json.Unmarshal(v, &img); err != nil {
				return err
			}
			images = append(images, &img)
			return nil
		})
	})
	return images, err
}

func (s *BoltStore) DeleteRepoImage(repoID, branch string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepoImages).Delete(imageKey(repoID, branch))
	})
}

// Checkpoint operations

func (s *BoltStore) PutCheckpoint(cp *types.Checkpoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCheckpoints).Put(imageKey(cp.RepoID, cp.Branch), data)
	})
}

func (s *BoltStore) GetCheckpoint(repoID, branch string) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get(imageKey(repoID, branch))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *BoltStore) DeleteCheckpoint(repoID, branch string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Delete(imageKey(repoID, branch))
	})
}

// Session operations

func (s *BoltStore) CreateSession(sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(sess.ID), data)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var sess types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) UpdateSession(id string, mutate func(*types.Session) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		if err := mutate(&sess); err != nil {
			return err
		}
		out, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(id), out)
	})
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// linkSessionTx points the session at the sandbox, failing with
// ErrSessionLinked if it already references a non-destroyed one. A
// missing session record is skipped so pool pre-warm paths stay usable.
func linkSessionTx(tx *bolt.Tx, sessionID, sandboxID string) error {
	data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
	if data == nil {
		return nil
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return err
	}
	if sess.SandboxID != "" {
		cur, err := getSandboxTx(tx, sess.SandboxID)
		if err == nil && cur.Status != types.SandboxDestroyed {
			return ErrSessionLinked
		}
	}
	sess.SandboxID = sandboxID
	out, err := json.Marshal(&sess)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSessions).Put([]byte(sessionID), out)
}

func (s *BoltStore) LinkSessionSandbox(sessionID string, sb *types.Sandbox) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := linkSessionTx(tx, sessionID, sb.ID); err != nil {
			return err
		}
		if tx.Bucket(bucketSandboxes).Get([]byte(sb.ID)) != nil {
			return fmt.Errorf("sandbox already exists: %s", sb.ID)
		}
		return putSandboxTx(tx, nil, sb)
	})
}

// Message operations

func messageSessionKey(m *types.Message) []byte {
	return []byte(m.SessionID + "/" + timeKey(m.CreatedAt) + "/" + m.ID)
}

func (s *BoltStore) CreateMessage(m *types.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessages).Put([]byte(m.ID), data); err != nil {
			return err
		}
		return tx.Bucket(idxMessageSession).Put(messageSessionKey(m), []byte(m.ID))
	})
}

func (s *BoltStore) GetMessage(id string) (*types.Message, error) {
	var m types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) UpdateMessage(id string, mutate func(*types.Message) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var m types.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if err := mutate(&m); err != nil {
			return err
		}
		out, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessages).Put([]byte(id), out)
	})
}

func (s *BoltStore) ListRecentMessages(sessionID string, limit int) ([]*types.Message, error) {
	var messages []*types.Message
	prefix := []byte(sessionID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxMessageSession).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			data := tx.Bucket(bucketMessages).Get(id)
			if data == nil {
				continue
			}
			var m types.Message
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			messages = append(messages, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// File change operations

func (s *BoltStore) CreateFileChange(fc *types.FileChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(fc)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketFileChanges).Put([]byte(fc.ID), data); err != nil {
			return err
		}
		return tx.Bucket(idxChangeSession).Put([]byte(fc.SessionID+"/"+fc.ID), []byte(fc.ID))
	})
}

func (s *BoltStore) UpdateFileChange(id string, mutate func(*types.FileChange) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFileChanges).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var fc types.FileChange
		if err := json.Unmarshal(data, &fc); err != nil {
			return err
		}
		if err := mutate(&fc); err != nil {
			return err
		}
		out, err := json.Marshal(&fc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFileChanges).Put([]byte(id), out)
	})
}

func (s *BoltStore) ListFileChangesBySession(sessionID string) ([]*types.FileChange, error) {
	var changes []*types.FileChange
	prefix := []byte(sessionID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxChangeSession).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			data := tx.Bucket(bucketFileChanges).Get(id)
			if data == nil {
				continue
			}
			var fc types.FileChange
			if err := json.Unmarshal(data, &fc); err != nil {
				return err
			}
			changes = append(changes, &fc)
		}
		return nil
	})
	return changes, err
}

// Bash command operations

func (s *BoltStore) CreateBashCommand(bc *types.BashCommand) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(bc)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBashCommands).Put([]byte(bc.ID), data); err != nil {
			return err
		}
		key := []byte(bc.MessageID + "/" + timeKey(bc.CreatedAt) + "/" + bc.ID)
		return tx.Bucket(idxBashMessage).Put(key, []byte(bc.ID))
	})
}

func (s *BoltStore) ListBashCommandsByMessage(messageID string) ([]*types.BashCommand, error) {
	var commands []*types.BashCommand
	prefix := []byte(messageID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idxBashMessage).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			data := tx.Bucket(bucketBashCommands).Get(id)
			if data == nil {
				continue
			}
			var bc types.BashCommand
			if err := json.Unmarshal(data, &bc); err != nil {
				return err
			}
			commands = append(commands, &bc)
		}
		return nil
	})
	return commands, err
}

// Credential operations

func (s *BoltStore) PutCredential(c *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCredentials).Put([]byte(c.UserID), data)
	})
}

func (s *BoltStore) GetCredential(userID string) (*types.Credential, error) {
	var c types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(userID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

package provision

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/sagernet/bbolt"
	bboltErrors "github.com/sagernet/bbolt/errors"
	E "github.com/sagernet/sing/common/exceptions"
)

var bucketBridge = []byte("bridge")

// PrepareCacheFile makes sure path holds a usable bbolt database for the
// engine's persistent lookup state. Corrupted or incompatible files are
// recreated.
func PrepareCacheFile(path string) error {
	const fileMode = 0o666
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return err
	}
	options := bbolt.Options{Timeout: time.Second}
	var db *bbolt.DB
	for i := 0; i < 10; i++ {
		db, err = bbolt.Open(path, fileMode, &options)
		if err == nil {
			break
		}
		if errors.Is(err, bboltErrors.ErrTimeout) {
			continue
		}
		if E.IsMulti(err, bboltErrors.ErrInvalid, bboltErrors.ErrChecksum, bboltErrors.ErrVersionMismatch) {
			rmErr := os.Remove(path)
			if rmErr != nil {
				return err
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return E.Cause(err, "open cache file")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketBridge)
		if err != nil {
			return err
		}
		return bucket.Put([]byte("prepared_at"), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	closeErr := db.Close()
	if err != nil {
		return E.Cause(err, "initialize cache file")
	}
	return closeErr
}

package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/sablewallet/sable/background/store"
	"github.com/sablewallet/sable/background/vault"
)

const settingBackupCounter = "backupRollbackCounter"

// S3Client wraps an S3 client for backup storage
type S3Client struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// NewS3Client creates a new S3 client
func NewS3Client(ctx context.Context, cfg BackupConfig, logger zerolog.Logger) (*S3Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Client{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		log:    logger.With().Str("component", "s3").Logger(),
	}, nil
}

// Get retrieves an object from S3
func (c *S3Client) Get(ctx context.Context, key string) ([]byte, error) {
	c.log.Debug().Str("bucket", c.bucket).Str("key", key).Msg("S3 GET")

	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return data, nil
}

// Put stores an object in S3
func (c *S3Client) Put(ctx context.Context, key string, data []byte) error {
	c.log.Debug().Str("bucket", c.bucket).Str("key", key).
		Int("size", len(data)).Msg("S3 PUT")

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &c.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}
	return nil
}

// BackupStore is the remote side of the backup flow. S3Client implements it;
// tests substitute an in-memory map.
type BackupStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// BackupSnapshot is the uploaded artifact. The records inside stay sealed
// under the user password; the HMAC binds them to the rollback counter so a
// replayed older snapshot is detectable.
type BackupSnapshot struct {
	Records         []vault.Record `cbor:"1,keyasint"`
	RollbackCounter int64          `cbor:"2,keyasint"`
	CreatedAt       int64          `cbor:"3,keyasint"`
	HMAC            []byte         `cbor:"4,keyasint"`
}

// BackupManager snapshots the sealed record set to remote storage and
// restores it with rollback protection.
type BackupManager struct {
	storage *store.VaultStorage
	durable *store.DurableStore
	remote  BackupStore
	hmacKey []byte
	prefix  string
	log     zerolog.Logger

	mu sync.Mutex
}

// NewBackupManager wires the backup flow. hmacKey is the deployment storage
// key; it authenticates snapshots without being able to decrypt them.
func NewBackupManager(storage *store.VaultStorage, durable *store.DurableStore, remote BackupStore, hmacKey []byte, prefix string, logger zerolog.Logger) *BackupManager {
	return &BackupManager{
		storage: storage,
		durable: durable,
		remote:  remote,
		hmacKey: hmacKey,
		prefix:  prefix,
		log:     logger.With().Str("component", "backup").Logger(),
	}
}

// TriggerBackup uploads the current sealed record set with the next
// rollback counter.
func (bm *BackupManager) TriggerBackup(ctx context.Context) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	records, err := bm.storage.Records()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return store.ErrNotInitialized
	}

	counter, err := bm.rollbackCounter()
	if err != nil {
		return err
	}
	counter++

	snapshot := &BackupSnapshot{
		Records:         records,
		RollbackCounter: counter,
		CreatedAt:       time.Now().Unix(),
	}
	snapshot.HMAC = bm.sign(snapshot)

	data, err := cbor.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}
	if err := bm.remote.Put(ctx, bm.key(), data); err != nil {
		return err
	}

	if err := bm.durable.SetSetting(settingBackupCounter, strconv.FormatInt(counter, 10)); err != nil {
		return err
	}

	bm.log.Info().Int64("counter", counter).Int("records", len(records)).
		Msg("Backup uploaded")
	return nil
}

// Restore fetches the latest snapshot, checks its authenticity and rollback
// counter, and replaces the local record set. The wallet must be unlocked
// again afterwards.
func (bm *BackupManager) Restore(ctx context.Context) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	data, err := bm.remote.Get(ctx, bm.key())
	if err != nil {
		return err
	}

	var snapshot BackupSnapshot
	if err := cbor.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to decode backup: %w", err)
	}

	if !hmac.Equal(snapshot.HMAC, bm.sign(&snapshot)) {
		return fmt.Errorf("backup authentication failed")
	}

	counter, err := bm.rollbackCounter()
	if err != nil {
		return err
	}
	if snapshot.RollbackCounter < counter {
		return fmt.Errorf("backup rollback detected: snapshot counter %d < local %d",
			snapshot.RollbackCounter, counter)
	}

	if err := bm.durable.ReplaceRecords(snapshot.Records); err != nil {
		return err
	}
	if err := bm.durable.SetSetting(settingBackupCounter, strconv.FormatInt(snapshot.RollbackCounter, 10)); err != nil {
		return err
	}

	bm.log.Info().Int64("counter", snapshot.RollbackCounter).
		Int("records", len(snapshot.Records)).Msg("Backup restored")
	return nil
}

func (bm *BackupManager) rollbackCounter() (int64, error) {
	value, ok, err := bm.durable.Setting(settingBackupCounter)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	counter, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt backup counter: %w", err)
	}
	return counter, nil
}

// sign computes the HMAC over the counter, timestamp, and every record's
// id, version, and ciphertext in order.
func (bm *BackupManager) sign(s *BackupSnapshot) []byte {
	mac := hmac.New(sha256.New, bm.hmacKey)
	binary.Write(mac, binary.BigEndian, s.RollbackCounter)
	binary.Write(mac, binary.BigEndian, s.CreatedAt)
	for i := range s.Records {
		mac.Write(s.Records[i].ID[:])
		binary.Write(mac, binary.BigEndian, s.Records[i].Version)
		mac.Write(s.Records[i].Ciphertext)
	}
	return mac.Sum(nil)
}

func (bm *BackupManager) key() string {
	return bm.prefix + "/latest.cbor"
}

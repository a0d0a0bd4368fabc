package gdwatch

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Songmu/flextime"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/gofrs/flock"
	"github.com/shogo82148/go-retry"
)

// StorageOption contains configuration for the cursor store.
//
// Supported storage types:
//   - "file": gob encoded local data file guarded by a lock file (default)
//   - "dynamodb": one item per cursor slot in an Amazon DynamoDB table
type StorageOption struct {
	Type       string `help:"storage type" default:"file" enum:"file,dynamodb" env:"GDWATCH_STORAGE_TYPE"`
	CursorName string `help:"name of the cursor slot" default:"default" env:"GDWATCH_CURSOR_NAME"`
	TableName  string `help:"dynamodb table name" default:"gdwatch" env:"GDWATCH_DDB_TABLE_NAME"`
	AutoCreate bool   `help:"auto create dynamodb table" default:"false" env:"GDWATCH_DDB_AUTO_CREATE" negatable:""`
	DataFile   string `help:"file storage data file" default:"gdwatch.dat" env:"GDWATCH_FILE_STORAGE_DATA_FILE"`
	LockFile   string `help:"file storage lock file" default:"gdwatch.lock" env:"GDWATCH_FILE_STORAGE_LOCK_FILE"`
}

// CursorItem is a persisted start page token.
type CursorItem struct {
	Name      string
	Cursor    string
	UpdatedAt time.Time
}

// Storage persists one cursor per slot name.
type Storage interface {
	// LoadCursor returns *CursorNotFound when nothing was saved for name.
	LoadCursor(ctx context.Context, name string) (*CursorItem, error)
	// SaveCursor overwrites the slot. The value is durable when it returns nil.
	SaveCursor(ctx context.Context, item *CursorItem) error
}

type CursorNotFound struct {
	Name string
}

func (err *CursorNotFound) Error() string {
	return fmt.Sprintf("cursor:%s not found", err.Name)
}

// IsCursorNotFound reports whether err means the slot is empty.
func IsCursorNotFound(err error) bool {
	var nf *CursorNotFound
	return errors.As(err, &nf)
}

// NewStorage creates a Storage implementation based on the configuration type.
func NewStorage(ctx context.Context, cfg StorageOption) (Storage, error) {
	switch cfg.Type {
	case "dynamodb":
		return NewDynamoDBStorage(ctx, cfg)
	case "file", "":
		return NewFileStorage(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
}

// DynamoDBClient is the subset of *dynamodb.Client used by DynamoDBStorage.
type DynamoDBClient interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type DynamoDBStorage struct {
	client    DynamoDBClient
	tableName string
}

func NewDynamoDBStorage(ctx context.Context, cfg StorageOption) (*DynamoDBStorage, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	s := &DynamoDBStorage{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.TableName,
	}
	slog.InfoContext(ctx, "check describe dynamodb table", "table_name", s.tableName)
	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists && cfg.AutoCreate {
		if err := s.createTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *DynamoDBStorage) tableExists(ctx context.Context) (bool, error) {
	table, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceNotFoundException" {
			return false, nil
		}
		slog.DebugContext(ctx, "DescribeTable failed", "error", err)
		return false, err
	}
	slog.DebugContext(ctx, "exists table", "table_name", s.tableName, "status", table.Table.TableStatus)
	if table.Table.TableStatus == types.TableStatusActive || table.Table.TableStatus == types.TableStatusUpdating {
		return true, nil
	}
	return false, nil
}

func (s *DynamoDBStorage) waitTableActive(ctx context.Context) error {
	policy := retry.Policy{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		MaxCount: 20,
		Jitter:   100 * time.Millisecond,
	}
	retrier := policy.Start(ctx)
	var err error
	var exists bool
	slog.DebugContext(ctx, "start wait dynamodb table active", "table_name", s.tableName)
	for retrier.Continue() {
		exists, err = s.tableExists(ctx)
		if err == nil && exists {
			return nil
		}
	}
	if err == nil {
		return errors.New("table not active")
	}
	return fmt.Errorf("table not active: %w", err)
}

func (s *DynamoDBStorage) createTable(ctx context.Context) error {
	slog.DebugContext(ctx, "create dynamodb table", "table_name", s.tableName)
	output, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("Name"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("Name"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceInUseException" {
			slog.DebugContext(ctx, "create dynamodb table ResourceInUseException, wait table active", "table_name", s.tableName)
			return s.waitTableActive(ctx)
		}
		return fmt.Errorf("create table %s: %w", s.tableName, err)
	}
	slog.InfoContext(ctx, "create dynamodb table", "table_arn", aws.ToString(output.TableDescription.TableArn))
	return s.waitTableActive(ctx)
}

func (s *DynamoDBStorage) LoadCursor(ctx context.Context, name string) (*CursorItem, error) {
	slog.DebugContext(ctx, "get item from dynamodb table", "name", name, "table_name", s.tableName)
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"Name": &types.AttributeValueMemberS{Value: name},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", name, err)
	}
	if len(output.Item) == 0 {
		return nil, &CursorNotFound{Name: name}
	}
	item := NewCursorItemWithDynamoDBAttributeValues(output.Item)
	if item.Cursor == "" {
		return nil, &CursorNotFound{Name: name}
	}
	return item, nil
}

func (s *DynamoDBStorage) SaveCursor(ctx context.Context, item *CursorItem) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item.ToDynamoDBAttributeValues(),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed put item", "name", item.Name, "table_name", s.tableName, "error", err)
		return fmt.Errorf("put item %s: %w", item.Name, err)
	}
	slog.DebugContext(ctx, "put item", "name", item.Name, "table_name", s.tableName, "cursor", item.Cursor)
	return nil
}

func GetAttributeValueAs[T types.AttributeValue](key string, values map[string]types.AttributeValue) (T, bool) {
	var empty T
	value, ok := values[key]
	if !ok {
		return empty, false
	}
	if v, ok := value.(T); ok {
		return v, true
	}
	return empty, false
}

func NewCursorItemWithDynamoDBAttributeValues(values map[string]types.AttributeValue) *CursorItem {
	item := &CursorItem{}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("Name", values); ok {
		item.Name = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("Cursor", values); ok {
		item.Cursor = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberN]("UpdatedAt", values); ok {
		if updatedAt, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			item.UpdatedAt = time.UnixMilli(updatedAt)
		}
	}
	return item
}

func (item *CursorItem) ToDynamoDBAttributeValues() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"Name":      &types.AttributeValueMemberS{Value: item.Name},
		"Cursor":    &types.AttributeValueMemberS{Value: item.Cursor},
		"UpdatedAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(item.UpdatedAt.UnixMilli(), 10)},
	}
}

// FileStorage keeps cursors in a local gob file.
// Every access takes the lock file, so several processes may share one data file.
type FileStorage struct {
	LockFile string
	FilePath string

	items map[string]*CursorItem
}

type fileStorageData struct {
	Items map[string]*CursorItem
}

func NewFileStorage(_ context.Context, cfg StorageOption) (*FileStorage, error) {
	if cfg.DataFile == "" {
		return nil, errors.New("data file is required, if storage type is file")
	}
	lockFile := cfg.LockFile
	if lockFile == "" {
		lockFile = cfg.DataFile + ".lock"
	}
	return &FileStorage{
		FilePath: cfg.DataFile,
		LockFile: lockFile,
	}, nil
}

func (s *FileStorage) LoadCursor(ctx context.Context, name string) (*CursorItem, error) {
	var ret *CursorItem
	if err := s.transactional(ctx, false, func(context.Context) error {
		item, ok := s.items[name]
		if !ok || item.Cursor == "" {
			return &CursorNotFound{Name: name}
		}
		copied := *item
		ret = &copied
		return nil
	}); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *FileStorage) SaveCursor(ctx context.Context, item *CursorItem) error {
	return s.transactional(ctx, true, func(ctx context.Context) error {
		if old, ok := s.items[item.Name]; ok {
			slog.DebugContext(ctx, "update cursor", "name", item.Name, "old_cursor", old.Cursor, "new_cursor", item.Cursor)
		}
		copied := *item
		if copied.UpdatedAt.IsZero() {
			copied.UpdatedAt = flextime.Now()
		}
		s.items[item.Name] = &copied
		return nil
	})
}

func (s *FileStorage) transactional(ctx context.Context, write bool, fn func(context.Context) error) error {
	fileLock := flock.New(s.LockFile)
	policy := retry.Policy{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 1 * time.Second,
		MaxCount: 10,
		Jitter:   35 * time.Millisecond,
	}
	retrier := policy.Start(ctx)
	var err error
	var locked bool
	for retrier.Continue() {
		locked, err = fileLock.TryLock()
		if err != nil {
			slog.DebugContext(ctx, "get file storage lock failed", "lock_file", s.LockFile, "error", err)
			continue
		}
		if locked {
			break
		}
	}
	if !locked {
		if err == nil {
			err = errors.New("lock is held by another process")
		}
		return fmt.Errorf("cannot get lock %s: %w", s.LockFile, err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.DebugContext(ctx, "file storage unlock failed", "error", err)
		}
	}()
	if err := s.restore(ctx); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if !write {
		return nil
	}
	return s.store(ctx)
}

func (s *FileStorage) restore(ctx context.Context) error {
	s.items = make(map[string]*CursorItem)
	fp, err := os.Open(s.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", s.FilePath, err)
	}
	defer fp.Close()
	var data fileStorageData
	if err := gob.NewDecoder(fp).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		slog.ErrorContext(ctx, "failed restore file storage", "data_file", s.FilePath, "error", err)
		return fmt.Errorf("decode %s: %w", s.FilePath, err)
	}
	if data.Items != nil {
		s.items = data.Items
	}
	return nil
}

// store replaces the data file atomically: temp file, fsync, rename.
func (s *FileStorage) store(ctx context.Context) error {
	dir := filepath.Dir(s.FilePath)
	tmp, err := os.CreateTemp(dir, ".gdwatch-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()
	if err := gob.NewEncoder(tmp).Encode(fileStorageData{Items: s.items}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode gob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.FilePath); err != nil {
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	success = true
	slog.DebugContext(ctx, "file storage store", "data_file", s.FilePath)
	return nil
}

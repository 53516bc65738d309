package sourceinfo

import (
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/any-hub/vcache/internal/source"
)

const keyPrefix = "src:"

// Badger 将资源描述持久化到本地 Badger 数据库。
type Badger struct {
	db *badger.DB
}

// OpenBadger 打开（或创建）dir 下的 Badger 数据库。
func OpenBadger(dir string) (*Badger, error) {
	if dir == "" {
		return nil, errors.New("source info path is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create source info dir: %w", err)
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

func key(url string) []byte {
	return []byte(keyPrefix + url)
}

// Get 读取描述；数据损坏时视为未命中。
func (b *Badger) Get(url string) (source.Descriptor, bool) {
	var info source.Descriptor
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(url))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decErr error
			info, decErr = decode(val)
			return decErr
		})
	})
	if err != nil {
		return source.Descriptor{}, false
	}
	return info, true
}

// Put 写入描述。
func (b *Badger) Put(url string, info source.Descriptor) error {
	data, err := encode(info)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(url), data)
	})
}

// Delete 删除描述，不存在时不报错。
func (b *Badger) Delete(url string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key(url))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Close 关闭数据库。
func (b *Badger) Close() error {
	return b.db.Close()
}

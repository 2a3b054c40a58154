package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"PairAgent-Chain/internal/transfer"
)

const memoryRetention = 512

// MemoryJournal 在内存中保留最近的流水，并以 JSON Lines 追加写入本地文件。
type MemoryJournal struct {
	mu       sync.RWMutex
	dataFile string
	entries  []Entry
}

// NewMemoryJournal 创建流水；path 为空时不落盘。
func NewMemoryJournal(path string) (*MemoryJournal, error) {
	j := &MemoryJournal{dataFile: path}
	if path == "" {
		return j, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	if err := j.loadFromDisk(); err != nil {
		return nil, err
	}
	return j, nil
}

// Record 实现 transfer.Recorder。
func (j *MemoryJournal) Record(ctx context.Context, res *transfer.Result) error {
	if res == nil {
		return nil
	}
	return j.Append(ctx, FromResult(res))
}

// Append 以追加写的方式记录流水。
func (j *MemoryJournal) Append(_ context.Context, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.dataFile != "" {
		file, err := os.OpenFile(j.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("打开流水文件失败: %w", err)
		}
		defer file.Close()

		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("序列化流水失败: %w", err)
		}
		if _, err := file.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("写入流水文件失败: %w", err)
		}
	}

	j.entries = append([]Entry{entry}, j.entries...)
	if len(j.entries) > memoryRetention {
		j.entries = j.entries[:memoryRetention]
	}
	return nil
}

// ListLatest 返回最近的流水，按时间倒序排列。
func (j *MemoryJournal) ListLatest(_ context.Context, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > len(j.entries) {
		limit = len(j.entries)
	}
	results := make([]Entry, limit)
	copy(results, j.entries[:limit])
	return results, nil
}

// Close 无需释放资源。
func (j *MemoryJournal) Close() error { return nil }

func (j *MemoryJournal) loadFromDisk() error {
	file, err := os.OpenFile(j.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取流水文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []Entry
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		restored = append([]Entry{entry}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析流水文件失败: %w", err)
	}
	if len(restored) > memoryRetention {
		restored = restored[:memoryRetention]
	}
	j.entries = restored
	return nil
}

package models

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mountebank-testing/mbengine/internal/util"
	"github.com/patrickmn/go-cache"
)

const (
	csvCacheExpiration = 10 * time.Minute
	csvCacheCleanup    = 20 * time.Minute
)

// csvTable is a parsed delimited file
type csvTable struct {
	header []string
	rows   [][]string
}

// CSVCache loads lookup data sources and keeps them parsed in memory until the
// file changes on disk or the entry expires
type CSVCache struct {
	tables  *cache.Cache
	watcher *fsnotify.Watcher
	logger  *util.Logger

	mu      sync.Mutex
	watched map[string]bool
	done    chan struct{}
}

// NewCSVCache creates a cache; if file watching is unavailable entries simply
// expire on their own
func NewCSVCache(logger *util.Logger) *CSVCache {
	c := &CSVCache{
		tables:  cache.New(csvCacheExpiration, csvCacheCleanup),
		logger:  logger,
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("lookup files will not be watched for changes: %v", err)
		return c
	}
	c.watcher = watcher
	go c.watch()
	return c
}

func (c *CSVCache) watch() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Create) {
				c.invalidate(event.Name)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warnf("lookup file watcher: %v", err)
		case <-c.done:
			return
		}
	}
}

func (c *CSVCache) invalidate(path string) {
	prefix := filepath.Clean(path) + "\x00"
	for key := range c.tables.Items() {
		if strings.HasPrefix(key, prefix) {
			c.tables.Delete(key)
			c.logger.Debugf("lookup file %s changed, dropping cached copy", path)
		}
	}
}

// Row returns the row whose keyColumn equals key, as a column name to value map
func (c *CSVCache) Row(path, keyColumn, delimiter, key string) (map[string]string, error) {
	table, err := c.table(path, delimiter)
	if err != nil {
		return nil, err
	}

	keyIndex := -1
	for i, column := range table.header {
		if column == keyColumn {
			keyIndex = i
			break
		}
	}
	if keyIndex < 0 {
		return nil, fmt.Errorf("column %q not found in %s", keyColumn, path)
	}

	for _, record := range table.rows {
		if keyIndex >= len(record) || record[keyIndex] != key {
			continue
		}
		row := make(map[string]string, len(table.header))
		for i, column := range table.header {
			if i < len(record) {
				row[column] = record[i]
			}
		}
		return row, nil
	}
	return nil, fmt.Errorf("no row in %s with %s=%q", path, keyColumn, key)
}

func (c *CSVCache) table(path, delimiter string) (*csvTable, error) {
	clean := filepath.Clean(path)
	cacheKey := clean + "\x00" + delimiter
	if cached, ok := c.tables.Get(cacheKey); ok {
		return cached.(*csvTable), nil
	}

	table, err := readCSV(clean, delimiter)
	if err != nil {
		return nil, err
	}
	c.tables.Set(cacheKey, table, cache.DefaultExpiration)
	c.watchFile(clean)
	return table, nil
}

func (c *CSVCache) watchFile(path string) {
	if c.watcher == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watched[path] {
		return
	}
	if err := c.watcher.Add(path); err != nil {
		c.logger.Debugf("unable to watch %s: %v", path, err)
		return
	}
	c.watched[path] = true
}

func readCSV(path, delimiter string) (*csvTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	if delimiter != "" {
		reader.Comma = []rune(delimiter)[0]
	}

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%s is empty", path)
		}
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	table := &csvTable{header: header}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		table.rows = append(table.rows, record)
	}
	return table, nil
}

// Close stops watching files
func (c *CSVCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

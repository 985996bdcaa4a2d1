package file_messenger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/depools/joinmix/messenger"

	"github.com/google/uuid"
	"github.com/juju/fslock"
)

var _ messenger.Messenger = (*FileMessenger)(nil)

// FileMessenger keeps the coordination log in an append-only local file.
// It is meant for tests and single-host setups; concurrent writers from
// several processes are serialized through a lock file, and the mutex
// serializes goroutines sharing one instance's file descriptor.
type FileMessenger struct {
	lockFile *fslock.Lock

	mu       sync.Mutex
	dataFile *os.File
}

const (
	defaultLockFile = "/tmp/joinmix_messenger_lock"
)

func countLines(r io.Reader) uint64 {
	var count uint64
	fileScanner := bufio.NewScanner(r)

	for fileScanner.Scan() {
		count++
	}

	return count
}

// NewFileMessenger inits an append-only file messenger.
// It takes two arguments: filename - path to a data file, lockFilename (optional) - path to a lock file
func NewFileMessenger(filename string, lockFilename ...string) (messenger.Messenger, error) {
	var (
		fm  FileMessenger
		err error
	)
	if len(lockFilename) > 0 {
		fm.lockFile = fslock.New(lockFilename[0])
	} else {
		fm.lockFile = fslock.New(defaultLockFile)
	}

	if fm.dataFile, err = os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644); err != nil {
		return nil, fmt.Errorf("failed to open a data file: %v", err)
	}
	return &fm, nil
}

// Send appends a message to the data file, assigning it an id and an offset.
func (fm *FileMessenger) Send(m messenger.Message) (messenger.Message, error) {
	var (
		data []byte
		err  error
	)
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if err = fm.lockFile.Lock(); err != nil {
		return m, fmt.Errorf("failed to lock a file: %v", err)
	}
	defer fm.lockFile.Unlock()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	if _, err = fm.dataFile.Seek(0, 0); err != nil { // otherwise countLines will return zero
		return m, fmt.Errorf("failed to seek a offset to the start of a data file: %v", err)
	}
	m.Offset = countLines(fm.dataFile)

	if data, err = json.Marshal(m); err != nil {
		return m, fmt.Errorf("failed to marshal a message %v: %v", m, err)
	}

	if _, err = fmt.Fprintln(fm.dataFile, string(data)); err != nil {
		return m, fmt.Errorf("failed to write a message to a data file: %v", err)
	}
	return m, nil
}

// GetMessages returns a slice of messages from the data file with given offset
func (fm *FileMessenger) GetMessages(offset uint64) ([]messenger.Message, error) {
	var (
		msgs []messenger.Message
		err  error
		row  []byte
		data messenger.Message
	)
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if _, err = fm.dataFile.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("failed to seek a offset to the start of a data file: %v", err)
	}
	scanner := bufio.NewScanner(fm.dataFile)
	for scanner.Scan() {
		if offset > 0 {
			offset--
			continue
		}

		row = scanner.Bytes()
		if err = json.Unmarshal(row, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal a message %s: %v", string(row), err)
		}
		msgs = append(msgs, data)
	}
	if scanner.Err() != nil {
		return nil, fmt.Errorf("failed to read a data file: %v", scanner.Err())
	}
	return msgs, nil
}

func (fm *FileMessenger) Close() error {
	return fm.dataFile.Close()
}

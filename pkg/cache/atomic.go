package cache

import (
	"bufio"
	"os"
)

// atomicWriteFile writes data through a temp file in the same directory
// and renames it over path, so readers never observe a partial write.
func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	tmpPath := path + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	writer := bufio.NewWriterSize(file, 32*1024)

	if _, err := writer.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return err
	}

	// Sync to disk before the rename commits the new content
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return err
	}

	file.Close()

	return os.Rename(tmpPath, path)
}

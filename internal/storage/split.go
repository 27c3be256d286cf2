package storage

import (
	"fmt"
	"os"
	"strings"

	"DistMR/internal/tokenize"
)

// Split reads the input at path, normalizes it and writes it to map-input
// chunks of at most chunkSize bytes. Tokens are never cut: a chunk ends at
// the last token that still fits, and a token longer than chunkSize gets a
// chunk of its own. It returns the number of chunks written.
func (s *Storage) Split(path string, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read input %s: %w", path, err)
	}

	chunks := packTokens(tokenize.Fields(string(raw)), chunkSize)
	for i, chunk := range chunks {
		if err := writeAtomic(s.MapFilePath(i), []byte(chunk)); err != nil {
			return 0, fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
	}

	s.logger.Info("Input split: file=%s chunks=%d chunk_size=%d", path, len(chunks), chunkSize)
	return len(chunks), nil
}

// packTokens greedily joins tokens with single spaces into chunks.
func packTokens(tokens []string, chunkSize int) []string {
	var chunks []string
	var b strings.Builder

	for _, tok := range tokens {
		if b.Len() > 0 && b.Len()+1+len(tok) > chunkSize {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

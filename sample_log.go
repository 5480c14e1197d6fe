package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// sampleLog appends one record per simulation tick, flushed immediately
// so a crash loses at most one row. No header row; columns are
// elapsed,soc,voltage,current,power.
type sampleLog struct {
	file *os.File
	w    *csv.Writer
}

// openSampleLog creates <base>_ch<N>.csv, truncating any previous run.
func openSampleLog(base string, channel int) (*sampleLog, error) {
	path := fmt.Sprintf("%s_ch%d.csv", strings.TrimSuffix(base, ".csv"), channel)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sample log: %w", err)
	}
	return &sampleLog{file: f, w: csv.NewWriter(f)}, nil
}

func (s *sampleLog) Append(elapsed, soc, voltage, current, power float64) error {
	record := []string{
		fmt.Sprintf("%.3f", elapsed),
		fmt.Sprintf("%.4f", soc),
		fmt.Sprintf("%.3f", voltage),
		fmt.Sprintf("%.3f", current),
		fmt.Sprintf("%.3f", power),
	}
	if err := s.w.Write(record); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *sampleLog) Close() error {
	s.w.Flush()
	return s.file.Close()
}

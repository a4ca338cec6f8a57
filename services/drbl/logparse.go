package drbl

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// latestProgress scans the most recently modified *.log file in dir for the
// last line carrying a percentage. A missing directory or log file is not an
// error; it yields zero progress with an explanatory message.
func latestProgress(dir string) (Progress, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Progress{Message: "Log directory not found"}, nil
		}
		return Progress{}, err
	}

	var (
		newest     string
		newestTime int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestTime {
			newest = entry.Name()
			newestTime = mod
		}
	}
	if newest == "" {
		return Progress{Message: "No log files found"}, nil
	}

	f, err := os.Open(filepath.Join(dir, newest))
	if err != nil {
		return Progress{}, err
	}
	defer f.Close()

	progress := Progress{Message: "Progress parsing in progress"}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		matches := percentPattern.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}
		pct, err := strconv.Atoi(matches[len(matches)-1][1])
		if err != nil {
			continue
		}
		progress = Progress{Percentage: clampPercent(pct), Message: strings.TrimSpace(line)}
	}
	if err := scanner.Err(); err != nil {
		return Progress{}, err
	}
	return progress, nil
}

func clampPercent(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

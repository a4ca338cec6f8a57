package api

import (
	"net/http"
	"time"
)

func (a *API) handleListImages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	list, err := a.images.List(ctx)
	if err != nil {
		a.logger.Printf("ERROR list images: %v", err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"images": list, "count": len(list)})
}

type imagingHealth struct {
	Installed         bool      `json:"drbl_installed"`
	BinDir            string    `json:"bin_dir"`
	LogDir            string    `json:"log_dir"`
	LogDirExists      bool      `json:"log_dir_exists"`
	ImageHome         string    `json:"image_home"`
	ImageHomeExists   bool      `json:"image_home_exists"`
	ImageHomeWritable bool      `json:"image_home_writable"`
	ImageCount        int       `json:"image_count"`
	CheckedAt         time.Time `json:"checked_at"`
}

func (a *API) handleImagingHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	tool := a.tool.Health()
	exists, writable := a.images.Writable()
	report := imagingHealth{
		Installed:         tool.Installed,
		BinDir:            tool.BinDir,
		LogDir:            tool.LogDir,
		LogDirExists:      tool.LogDirExists,
		ImageHome:         a.images.Home(),
		ImageHomeExists:   exists,
		ImageHomeWritable: writable,
		CheckedAt:         tool.CheckedAt,
	}
	if list, err := a.images.List(ctx); err == nil {
		report.ImageCount = len(list)
	} else {
		a.logger.Printf("WARN count images: %v", err)
	}
	respondJSON(w, http.StatusOK, report)
}

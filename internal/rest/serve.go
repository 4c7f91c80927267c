// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package rest exposes read-only diagnostics for a running or completed
// campaign over HTTP: fit progress, chi-squared history, and per-exposure
// gray statistics.
package rest

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/HyperSuprime-Cam/fgcm/internal/driver"
	"github.com/HyperSuprime-Cam/fgcm/internal/engine"
	"github.com/HyperSuprime-Cam/fgcm/internal/gray"
)

// MakeSandbox secures the current process by chrooting (requires root)
// and dropping to an unprivileged user id before accepting external
// connections.
func MakeSandbox(chroot string, setuid int) {
	if len(chroot) > 0 {
		fmt.Printf("Changing filesystem root to %s...\n", chroot)
		if err := syscall.Chroot(chroot); err != nil {
			panic(fmt.Sprintf("error chroot(%s): %s\n", chroot, err.Error()))
		}
		if err := os.Chdir(chroot); err != nil {
			panic(fmt.Sprintf("error chdir(%s): %s\n", chroot, err.Error()))
		}
	}
	if setuid >= 0 {
		fmt.Printf("Setting user id from %d/%d to %d\n", syscall.Getuid(), syscall.Geteuid(), setuid)
		if err := syscall.Setuid(setuid); err != nil {
			panic(fmt.Sprintf("error setuid(%d): %s\n", setuid, err.Error()))
		}
	}
}

// Status is a view of campaign progress. Its mutex guards only the
// recorded fit result; the engine's chi-squared history is read without
// synchronisation against engine.Run.
type Status struct {
	mu        sync.RWMutex
	eng       *engine.Engine
	gray      *gray.Aggregator
	nCCDPerExp int
	result    *driver.Result
}

// NewStatus wraps the engine and gray aggregator a campaign is running
// against so the API can report its progress.
func NewStatus(eng *engine.Engine, g *gray.Aggregator, nCCDPerExp int) *Status {
	return &Status{eng: eng, gray: g, nCCDPerExp: nCCDPerExp}
}

// SetResult records the outcome of a completed driver.Fit call.
func (s *Status) SetResult(r driver.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rCopy := r
	s.result = &rCopy
}

// Serve starts the diagnostics HTTP API on the given port, blocking until
// the server exits.
func Serve(status *Status, port int) {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.GET("/status", status.getStatus)
			v1.GET("/exposures/:id/gray", status.getExposureGray)
		}
	}
	r.Run(fmt.Sprintf(":%d", port))
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// getStatus reports the chi-squared history recorded by the engine so far,
// and the outcome of the most recently completed driver.Fit call, if any.
func (s *Status) getStatus(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body := gin.H{
		"chisqHistory": s.eng.ChisqHistory(),
	}
	if s.result != nil {
		body["lastFit"] = gin.H{
			"chisq":      s.result.Chisq,
			"steps":      s.result.Steps,
			"converged":  s.result.Converged,
			"maxIterHit": s.result.MaxIterHit,
		}
	}
	c.JSON(http.StatusOK, body)
}

// getExposureGray reports the gray aggregator's per-CCD and
// exposure-level summary for one exposure, including the per-exposure
// star counts.
func (s *Status) getExposureGray(c *gin.Context) {
	idStr := c.Param("id")
	exp, err := strconv.Atoi(idStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid exposure id"})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.gray == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gray aggregator not yet populated"})
		return
	}

	ccds := make([]gin.H, 0, s.nCCDPerExp)
	for ccd := 0; ccd < s.nCCDPerExp; ccd++ {
		g, ok := s.gray.CCDGray(exp, ccd)
		ccds = append(ccds, gin.H{"ccd": ccd, "gray": g, "ok": ok})
	}

	c.JSON(http.StatusOK, gin.H{
		"exposure":    exp,
		"flag":        s.gray.ExpFlag(exp),
		"nGoodStars":  s.gray.ExpNGoodStars(exp),
		"smoothGray":  s.gray.ExpGraySmooth(exp),
		"ccds":        ccds,
	})
}

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

// Package config loads a campaign's JSON job specification: a single
// `-job file.json` document rather than a sprawling flag surface for every
// knob; no command-line flag overrides a field of it.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/HyperSuprime-Cam/fgcm/internal/driver"
	"github.com/HyperSuprime-Cam/fgcm/internal/engine"
	"github.com/HyperSuprime-Cam/fgcm/internal/gray"
	"github.com/HyperSuprime-Cam/fgcm/internal/pars"
	"github.com/HyperSuprime-Cam/fgcm/internal/sed"
)

// CampaignConfig is the JSON-serialisable description of one fit campaign:
// file locations plus the tuning knobs of the components that are in
// scope for this specification (the atmosphere-populating radiative
// transfer code, catalog ingestion and plotting are out of scope and
// referenced only as file paths here).
type CampaignConfig struct {
	ObservationTable string `json:"observationTable"`
	PositionIndexTable string `json:"positionIndexTable"`
	ObservationIndexTable string `json:"observationIndexTable"`
	ReferenceStarTable string `json:"referenceStarTable,omitempty"`
	ExposureTable    string `json:"exposureTable"`
	LUTFile          string `json:"lutFile"`

	NCore         int `json:"nCore"`
	NStarPerRun   int `json:"nStarPerRun"`
	MaxIterations int `json:"maxIterations"`
	NCCDPerExp    int `json:"nCCDPerExp"`

	RequiredBands []string  `json:"requiredBands"`
	ExtraBands    []string  `json:"extraBands,omitempty"`
	FitBands      []string  `json:"fitBands"`
	I10Std        []float64 `json:"i10Std,omitempty"`
	MinObsPerBand int32     `json:"minObsPerBand"`
	IllegalValue  float64   `json:"illegalValue"`

	MaxLUTClampFrac   float64 `json:"maxLutClampFrac"`
	RefStarOutlierNSig float64 `json:"refStarOutlierNSig"`

	Flags pars.Flags `json:"flags"`

	Gray gray.Thresholds `json:"gray"`

	BrightObsGrayMax float64 `json:"brightObsGrayMax"`
	CCDGraySubCCD    bool    `json:"ccdGraySubCCD"`

	SED SEDConfig       `json:"sed"`
	Driver DriverConfig `json:"driver"`

	OutputDir string `json:"outputDir"`
}

// SEDConfig mirrors internal/sed.Estimator's fields as JSON, so a campaign
// declares its bands' standard wavelengths alongside everything else in one
// job file rather than a second configuration surface.
type SEDConfig struct {
	StdWavelength   []float64 `json:"stdWavelength"`
	ExtraWavelength []float64 `json:"extraWavelength,omitempty"`
	FudgeFirst      float64   `json:"fudgeFirst"`
	FudgeLast       float64   `json:"fudgeLast"`
	FudgeExtra      float64   `json:"fudgeExtra"`
}

// Estimator builds the internal/sed.Estimator this campaign's job file
// describes.
func (s SEDConfig) Estimator() *sed.Estimator {
	return &sed.Estimator{
		StdWavelength:   s.StdWavelength,
		ExtraWavelength: s.ExtraWavelength,
		FudgeFirst:      s.FudgeFirst,
		FudgeLast:       s.FudgeLast,
		FudgeExtra:      s.FudgeExtra,
	}
}

// DriverConfig configures the outer gradient-descent loop
// (internal/driver).
type DriverConfig struct {
	StepSize    float64 `json:"stepSize"`
	Tolerance   float64 `json:"tolerance"`
	MaxSteps    int     `json:"maxSteps"`
	FitterUnits bool    `json:"fitterUnits"`
}

// Options builds the internal/driver.Options this campaign's job file
// describes.
func (d DriverConfig) Options() driver.Options {
	return driver.Options{
		StepSize:    d.StepSize,
		Tolerance:   d.Tolerance,
		MaxSteps:    d.MaxSteps,
		FitterUnits: d.FitterUnits,
	}
}

// Default returns a CampaignConfig with conservative defaults: small
// worker batches, a handful of iterations, and gray thresholds loose
// enough not to reject everything on a first pass.
func Default() CampaignConfig {
	return CampaignConfig{
		NCore:            0, // 0 => runtime.NumCPU()
		NStarPerRun:       20000,
		MaxIterations:     50,
		NCCDPerExp:        62,
		MinObsPerBand:     2,
		IllegalValue:      -9999.0,
		MaxLUTClampFrac:   0.5,
		RefStarOutlierNSig: 4.0,
		BrightObsGrayMax: 0.1,
		Driver: DriverConfig{
			StepSize:  0.1,
			Tolerance: 1e-6,
			MaxSteps:  50,
		},
		Gray: gray.Thresholds{
			MinStarPerCCD:   3,
			MinGoodCCD:      3,
			MaxCCDGrayErr:   0.05,
			MinExpPerNight:  3,
			MinExpsToSmooth: 3,
			SmoothWindowMJD: 1.0,
			GrayTooNegative: -0.05,
			GrayTooPositive: 0.05,
			VarGrayTooLarge: 0.1,
			SubCCDOrder:     0, // disabled unless a job file opts in
			CCDHalfSize:     2048,
		},
	}
}

// Load reads a JSON job specification from path, starting from Default()
// so unspecified fields keep their conservative defaults.
func Load(path string) (CampaignConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// EngineConfig derives the engine.Config this campaign implies, given the
// resolved band-name-to-index table built during catalog loading.
func (c CampaignConfig) EngineConfig(bandIndex map[string]int) engine.Config {
	cfg := engine.Config{
		NCore:         c.NCore,
		NStarPerRun:   c.NStarPerRun,
		MaxIterations: c.MaxIterations,
		IllegalValue:  c.IllegalValue,
		I10Std:          c.I10Std,
		MinObsPerBand:   c.MinObsPerBand,
		MaxLUTClampFrac: c.MaxLUTClampFrac,
		CCDGraySubCCD:   c.CCDGraySubCCD,
	}
	for _, b := range c.RequiredBands {
		cfg.RequiredBands = append(cfg.RequiredBands, bandIndex[b])
	}
	for _, b := range c.FitBands {
		cfg.FitBands = append(cfg.FitBands, bandIndex[b])
	}
	return cfg
}

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

package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"

	"github.com/HyperSuprime-Cam/fgcm/internal/arraypool"
	"github.com/HyperSuprime-Cam/fgcm/internal/brightobs"
	"github.com/HyperSuprime-Cam/fgcm/internal/catalog"
	"github.com/HyperSuprime-Cam/fgcm/internal/config"
	"github.com/HyperSuprime-Cam/fgcm/internal/driver"
	"github.com/HyperSuprime-Cam/fgcm/internal/engine"
	"github.com/HyperSuprime-Cam/fgcm/internal/gray"
	fgcmlog "github.com/HyperSuprime-Cam/fgcm/internal/log"
	"github.com/HyperSuprime-Cam/fgcm/internal/rest"
	"github.com/HyperSuprime-Cam/fgcm/internal/robust"
	"github.com/HyperSuprime-Cam/fgcm/internal/stars"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")
var job = flag.String("job", "", "JSON job specification to run")
var logPath = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of -job with .log")
var port = flag.Int("port", 0, "port for serving the diagnostics HTTP API after the fit completes, 0=don't serve")
var chroot = flag.String("chroot", "", "directory to chroot and chdir to when serving HTTP. must be run as root")
var setuid = flag.Int("setuid", -1, "user id number to setuid to when serving HTTP. must be run as root")
var diagnostics = flag.String("diagnostics", "", "write the post-fit gray/reference diagnostics dump to `file`")

func main() {
	var logWriter io.Writer = os.Stdout
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `Fgcmfit Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s -job job.json (fit|version|legal)

Commands:
  fit      Run the forward global calibration fit described by -job
  version  Show version information
  legal    Show license and attribution information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *logPath == "%auto" {
		if *job != "" {
			*logPath = strings.TrimSuffix(*job, filepath.Ext(*job)) + ".log"
		} else {
			*logPath = ""
		}
	}
	if *logPath != "" {
		if err := fgcmlog.LogAlsoToFile(*logPath); err != nil {
			panic(fmt.Sprintf("unable to open log file %s: %s\n", *logPath, err))
		}
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fgcmlog.LogFatalf("could not create CPU profile: %s\n", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fgcmlog.LogFatalf("could not start CPU profile: %s\n", err)
		}
		defer pprof.StopCPUProfile()
	}

	args := flag.Args()
	cmd := "fit"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "version":
		fgcmlog.LogPrintf("fgcmfit version %s\n", version)
		return
	case "legal":
		fgcmlog.LogPrintln("fgcmfit, forward global calibration model fitting engine.")
		fgcmlog.LogPrintln("Licensed under the GNU General Public License v3 or later.")
		return
	case "fit":
		runFit()
	default:
		flag.Usage()
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fgcmlog.LogFatalf("could not create memory profile: %s\n", err)
		}
		defer f.Close()
		pprof.WriteHeapProfile(f)
	}
}

// runFit loads the campaign described by -job, runs the outer driver loop
// against the chi-squared engine, then the gray and bright-observation
// post-passes once the fit converges, optionally serving the result over
// the diagnostics HTTP API afterwards.
func runFit() {
	if *job == "" {
		fgcmlog.LogFatal("fgcmfit: -job is required")
	}

	cfg, err := config.Load(*job)
	if err != nil {
		fgcmlog.LogFatalf("fgcmfit: %s\n", err)
	}

	fgcmlog.LogPrintf("fgcmfit: loading observation table %s\n", cfg.ObservationTable)
	obs, bandIndex, err := catalog.LoadObservations(cfg.ObservationTable)
	if err != nil {
		fgcmlog.LogFatalf("fgcmfit: %s\n", err)
	}

	objs, err := catalog.LoadPositionIndex(cfg.PositionIndexTable, len(bandIndex))
	if err != nil {
		fgcmlog.LogFatalf("fgcmfit: %s\n", err)
	}

	obsIndex, err := catalog.LoadObservationIndex(cfg.ObservationIndexTable)
	if err != nil {
		fgcmlog.LogFatalf("fgcmfit: %s\n", err)
	}

	parsModel, err := catalog.LoadExposures(cfg.ExposureTable, cfg.Flags)
	if err != nil {
		fgcmlog.LogFatalf("fgcmfit: %s\n", err)
	}

	lutGrid, err := catalog.LoadLUT(cfg.LUTFile)
	if err != nil {
		fgcmlog.LogFatalf("fgcmfit: %s\n", err)
	}

	var refTable *stars.RefTable
	if cfg.ReferenceStarTable != "" {
		refTable, err = catalog.LoadReferenceStars(cfg.ReferenceStarTable, objs, len(bandIndex))
		if err != nil {
			fgcmlog.LogFatalf("fgcmfit: %s\n", err)
		}
	}

	pool := arraypool.New()
	sedEstimator := cfg.SED.Estimator()

	engCfg := cfg.EngineConfig(bandIndex)
	eng := engine.NewEngine(parsModel, objs, obs, obsIndex, lutGrid, refTable, pool, sedEstimator, engCfg)

	p0 := make([]float64, parsModel.NFitPars)

	if err := bootstrapPhotometricSelection(eng, cfg, p0); err != nil {
		fgcmlog.LogFatalf("fgcmfit: initial photometric selection failed: %s\n", err)
	}

	fgcmlog.LogPrintf("fgcmfit: starting fit over %d parameters, %d stars, %d observations\n",
		parsModel.NFitPars, objs.Len(), obs.Len())

	result, err := driver.Fit(eng, p0, cfg.Driver.Options())
	if err != nil {
		fgcmlog.LogFatalf("fgcmfit: fit failed: %s\n", err)
	}
	fgcmlog.LogPrintf("fgcmfit: fit finished after %d steps, chisq/dof=%.6f, converged=%v, maxIterHit=%v\n",
		result.Steps, result.Chisq, result.Converged, result.MaxIterHit)

	grayAgg := runGrayPass(eng, cfg)
	eng.Gray = grayAgg
	if mean, stdDev, nExp := grayAgg.CampaignSummary(); nExp > 0 {
		fgcmlog.LogPrintf("fgcmfit: exposure gray %.4f +/- %.4f mag over %d exposures\n", mean, stdDev, nExp)
	}

	if refTable != nil {
		offset, sigma, nFlagged, err := stars.FlagReferenceOutliers(objs, refTable, cfg.RefStarOutlierNSig)
		if err != nil {
			fgcmlog.LogPrintf("fgcmfit: reference-star pass skipped: %s\n", err)
		} else {
			for b := range offset {
				fgcmlog.LogPrintf("fgcmfit: band %d reference offset %.4f +/- %.4f mag\n", b, offset[b], sigma[b])
			}
			if nFlagged > 0 {
				fgcmlog.LogPrintf("fgcmfit: flagged %d reference-star outliers\n", nFlagged)
			}
		}
	}

	runBrightObsPass(eng, cfg)

	if *diagnostics != "" {
		if err := catalog.WriteDiagnostics(*diagnostics, objs, refTable, grayAgg, eng.CompAbsThroughput); err != nil {
			fgcmlog.LogFatalf("fgcmfit: %s\n", err)
		}
		fgcmlog.LogPrintf("fgcmfit: wrote diagnostics dump to %s\n", *diagnostics)
	}

	if *port > 0 {
		rest.MakeSandbox(*chroot, *setuid)
		status := rest.NewStatus(eng, grayAgg, cfg.NCCDPerExp)
		status.SetResult(result)
		fgcmlog.LogPrintf("fgcmfit: serving diagnostics API on :%d\n", *port)
		rest.Serve(status, *port)
	}
}

// bootstrapPhotometricSelection evaluates the chi-squared once at the
// starting parameters, then averages the unweighted initial exposure gray
// over required-band observations and flags exposures falling outside the
// configured gray window, so the first fit iteration already excludes
// clearly non-photometric exposures.
func bootstrapPhotometricSelection(eng *engine.Engine, cfg config.CampaignConfig, p0 []float64) error {
	if _, _, err := eng.Run(p0, engine.RunOptions{ComputeSEDSlopes: true}); err != nil {
		return err
	}

	required := make(map[int]bool, len(eng.Config.RequiredBands))
	for _, b := range eng.Config.RequiredBands {
		required[b] = true
	}

	init := gray.NewInitialExpGray()
	nBands := eng.Objs.NBands
	for o := 0; o < eng.Obs.Len(); o++ {
		band := int(eng.Obs.BandIndex[o])
		if !required[band] {
			continue
		}
		star := eng.Obs.ObjIndex[o]
		slot := int(star)*nBands + band
		if eng.Objs.MagStdMean[slot] >= 90 {
			continue
		}
		init.Add(int(eng.Obs.ExpIndex[o]), eng.Objs.MagStdMean[slot]-eng.Obs.MagStd[o])
	}

	expFlag := make([]uint32, len(eng.Pars.ExpNightIndex))
	flagged := 0
	for e := range expFlag {
		mean, n := init.Mean(e)
		if n == 0 {
			expFlag[e] |= stars.ExpFlagNoStars
			continue
		}
		if mean < cfg.Gray.GrayTooNegative {
			expFlag[e] |= stars.ExpFlagGrayTooNegative
			flagged++
		} else if mean > cfg.Gray.GrayTooPositive {
			expFlag[e] |= stars.ExpFlagGrayTooPositive
			flagged++
		}
	}
	eng.ExpFlag = expFlag
	fgcmlog.LogPrintf("fgcmfit: initial photometric selection flagged %d exposures\n", flagged)
	return nil
}

// runGrayPass accumulates every good observation's residual into the gray
// aggregator, finalises per-(exposure,CCD) and per-exposure gray, then
// smooths it within each night. The finalized CCD gray feeds back into
// the next chi-squared evaluation's magnitude phase.
func runGrayPass(eng *engine.Engine, cfg config.CampaignConfig) *gray.Aggregator {
	agg := gray.NewAggregator(cfg.Gray, cfg.NCCDPerExp)
	nBands := eng.Objs.NBands

	for o := 0; o < eng.Obs.Len(); o++ {
		star := eng.Obs.ObjIndex[o]
		band := int(eng.Obs.BandIndex[o])
		slot := int(star)*nBands + band
		meanErr := eng.Objs.MagStdMeanErr[slot]
		if eng.Objs.MagStdMean[slot] >= 90 || meanErr >= 90 {
			continue
		}
		eGray := eng.Objs.MagStdMean[slot] - eng.Obs.MagStd[o]
		obsErr := float64(eng.Obs.MagADUModelErr[o])
		eGrayErr2 := obsErr*obsErr - meanErr*meanErr
		if cfg.Gray.OnlyObsErr {
			eGrayErr2 = obsErr * obsErr
		}
		agg.AccumulateCCD(gray.Obs{
			ExpIndex:  int(eng.Obs.ExpIndex[o]),
			CCDIndex:  int(eng.Obs.CCDIndex[o]),
			Band:      band,
			EGray:     eGray,
			EGrayErr2: eGrayErr2,
			X:         eng.Obs.X[o],
			Y:         eng.Obs.Y[o],
		})
	}
	agg.FinalizeCCD()

	expCCDCount := make(map[int]int)
	for o := 0; o < eng.Obs.Len(); o++ {
		e := int(eng.Obs.ExpIndex[o])
		c := int(eng.Obs.CCDIndex[o]) + 1
		if c > expCCDCount[e] {
			expCCDCount[e] = c
		}
	}
	agg.FinalizeExposures(expCCDCount)

	nightExposures := make(map[int][]int)
	expMJD := make(map[int]float64)
	for e, night := range eng.Pars.ExpNightIndex {
		nightExposures[night] = append(nightExposures[night], e)
		expMJD[e] = eng.Pars.ExpMJD[e]
	}
	agg.SmoothNightly(nightExposures, expMJD)
	agg.FlagSparseNights(nightExposures)

	// Feed the classification back to the engine: the next chi-squared
	// evaluation drops observations on flagged exposures.
	expFlag := make([]uint32, len(eng.Pars.ExpNightIndex))
	for e := range expFlag {
		expFlag[e] = agg.ExpFlag(e)
	}
	eng.ExpFlag = expFlag

	flagVariableStars(eng)

	return agg
}

// flagVariableStars computes each star's residual scatter across its good
// observations and sets FlagVariable on outliers relative to the star
// population, so variables drop out of the next iteration's good-star set.
func flagVariableStars(eng *engine.Engine) {
	nBands := eng.Objs.NBands
	sumSq := make([]float64, eng.Objs.Len())
	count := make([]int, eng.Objs.Len())
	for o := 0; o < eng.Obs.Len(); o++ {
		star := eng.Obs.ObjIndex[o]
		slot := int(star)*nBands + int(eng.Obs.BandIndex[o])
		if eng.Objs.MagStdMean[slot] >= 90 {
			continue
		}
		d := eng.Objs.MagStdMean[slot] - eng.Obs.MagStd[o]
		sumSq[star] += d * d
		count[star]++
	}

	scatter := make([]float32, eng.Objs.Len())
	for s := range scatter {
		if count[s] > 1 {
			scatter[s] = float32(math.Sqrt(sumSq[s] / float64(count[s])))
		}
	}

	variable := gray.ClassifyVariableStars(scatter, 5)
	for _, s := range variable {
		eng.Objs.Flag[s] |= stars.FlagVariable
	}
	if len(variable) > 0 {
		loc, spread := robust.MeanStdDev(scatter)
		fgcmlog.LogPrintf("fgcmfit: flagged %d variable stars (population scatter %.4f +/- %.4f)\n",
			len(variable), loc, spread)
	}
}

// runBrightObsPass runs the bright-observation selector over every
// good star and logs a summary; campaigns that persist its output do so
// downstream of this call.
func runBrightObsPass(eng *engine.Engine, cfg config.CampaignConfig) {
	goodStars := stars.GetGoodStarIndices(eng.Objs, false, false, nil, 0)
	sel := &brightobs.Selector{
		Objs:     eng.Objs,
		Obs:      eng.Obs,
		ObsIndex: eng.ObsIndex,
		Config: brightobs.Config{
			BrightObsGrayMax: cfg.BrightObsGrayMax,
			NCore:            cfg.NCore,
		},
	}
	results := sel.SelectGoodStars(goodStars)
	fgcmlog.LogPrintf("fgcmfit: bright-observation selector finished for %d stars\n", len(results))
}

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

// Package catalog loads the campaign's columnar input tables (observation
// table, position-index table, observation-index permutation, optional
// reference-star table) from CSV fixtures, and validates the OBSARRINDEX
// contiguity contract. Real FITS ingestion lives upstream; this package
// only needs to produce tables with that contract satisfied.
package catalog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/HyperSuprime-Cam/fgcm/internal/gray"
	"github.com/HyperSuprime-Cam/fgcm/internal/lut"
	"github.com/HyperSuprime-Cam/fgcm/internal/pars"
	"github.com/HyperSuprime-Cam/fgcm/internal/stars"
)

// ErrBadIndex signals that the loaded position-index table violates the
// OBSARRINDEX[k+1] = OBSARRINDEX[k] + NOBS[k] contiguity contract.
var ErrBadIndex = fmt.Errorf("catalog: OBSARRINDEX/NOBS contiguity contract violated")

// LoadObservations reads the observation table CSV with header
// EXPNUM,CCDNUM,OBJID,BAND,FILTER,RA,DEC,MAG,MAGERR,SECZ,X,Y and returns
// the columnar Observations table plus a stable band-name to index map.
func LoadObservations(path string) (*stars.Observations, map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil { // header
		return nil, nil, fmt.Errorf("catalog: reading header: %w", err)
	}

	obs := &stars.Observations{}
	bandIndex := map[string]int{}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("catalog: %w", err)
		}
		expNum, _ := strconv.Atoi(rec[0])
		ccdNum, _ := strconv.Atoi(rec[1])
		objID, _ := strconv.Atoi(rec[2])
		band := rec[3]
		if _, ok := bandIndex[band]; !ok {
			bandIndex[band] = len(bandIndex)
		}
		mag, _ := strconv.ParseFloat(rec[7], 32)
		magErr, _ := strconv.ParseFloat(rec[8], 32)
		secZ, _ := strconv.ParseFloat(rec[9], 32)
		x, _ := strconv.ParseFloat(rec[10], 32)
		y, _ := strconv.ParseFloat(rec[11], 32)

		obs.ExpIndex = append(obs.ExpIndex, int32(expNum))
		obs.CCDIndex = append(obs.CCDIndex, int16(ccdNum))
		obs.ObjIndex = append(obs.ObjIndex, int32(objID))
		obs.BandIndex = append(obs.BandIndex, int16(bandIndex[band]))
		obs.FilterIndex = append(obs.FilterIndex, int16(bandIndex[band]))
		obs.MagADU = append(obs.MagADU, float32(mag))
		obs.MagADUModelErr = append(obs.MagADUModelErr, float32(magErr))
		obs.SecZenith = append(obs.SecZenith, float32(secZ))
		obs.X = append(obs.X, float32(x))
		obs.Y = append(obs.Y, float32(y))
		obs.Flag = append(obs.Flag, 0)
	}
	obs.MagStd = make([]float64, len(obs.ObjIndex))
	return obs, bandIndex, nil
}

// LoadPositionIndex reads the position-index table CSV with header
// FGCM_ID,RA,DEC,OBSARRINDEX,NOBS, validates the contiguity contract, and
// returns an Objects table (mean-magnitude fields at their sentinel) whose
// ObsStart column carries the OBSARRINDEX values.
func LoadPositionIndex(path string, nBands int) (*stars.Objects, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("catalog: reading header: %w", err)
	}

	var ids []int64
	var ra, dec []float64
	var obsArrIndex, nObs []int32

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		id, _ := strconv.ParseInt(rec[0], 10, 64)
		raV, _ := strconv.ParseFloat(rec[1], 64)
		decV, _ := strconv.ParseFloat(rec[2], 64)
		start, _ := strconv.Atoi(rec[3])
		n, _ := strconv.Atoi(rec[4])

		ids = append(ids, id)
		ra = append(ra, raV)
		dec = append(dec, decV)
		obsArrIndex = append(obsArrIndex, int32(start))
		nObs = append(nObs, int32(n))
	}

	for k := 0; k < len(obsArrIndex)-1; k++ {
		if obsArrIndex[k+1] != obsArrIndex[k]+nObs[k] {
			return nil, fmt.Errorf("%w: star %d: OBSARRINDEX[%d]=%d + NOBS[%d]=%d != OBSARRINDEX[%d]=%d",
				ErrBadIndex, k, k, obsArrIndex[k], k, nObs[k], k+1, obsArrIndex[k+1])
		}
	}

	objs := stars.NewObjects(len(ids), nBands)
	copy(objs.ID, ids)
	copy(objs.RA, ra)
	copy(objs.Dec, dec)
	copy(objs.ObsStart, obsArrIndex)
	copy(objs.NObs, nObs)
	return objs, nil
}

// LoadObservationIndex reads a flat OBSINDEX permutation column, one
// integer per line (no header), mapping per-star contiguous slices back
// into the observation table.
func LoadObservationIndex(path string) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	var out []int32
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		v, _ := strconv.Atoi(rec[0])
		out = append(out, int32(v))
	}
	return out, nil
}

// LoadReferenceStars reads a reference-star table with header
// FGCM_ID,BAND,MAG,MAGERR, assigns each distinct FGCM_ID a sequential
// refIndex (in order of first appearance) written into objs.RefIndex for
// the matching star, and folds the magnitude rows into a flattened
// [refIndex*nBands+band] RefTable; sentinel magnitude >= 90 marks "no
// reference" for a band never populated from a row.
func LoadReferenceStars(path string, objs *stars.Objects, nBands int) (*stars.RefTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()

	idToStar := make(map[int64]int32, objs.Len())
	for i, id := range objs.ID {
		idToStar[id] = int32(i)
	}
	idToRefIndex := make(map[int64]int32)

	type row struct {
		refIdx         int32
		band           int
		mag, magErr float64
	}
	var rows []row

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("catalog: reading header: %w", err)
	}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		id, _ := strconv.ParseInt(rec[0], 10, 64)
		band, _ := strconv.Atoi(rec[1])
		mag, _ := strconv.ParseFloat(rec[2], 64)
		magErr, _ := strconv.ParseFloat(rec[3], 64)

		refIdx, ok := idToRefIndex[id]
		if !ok {
			refIdx = int32(len(idToRefIndex))
			idToRefIndex[id] = refIdx
			if star, ok := idToStar[id]; ok {
				objs.RefIndex[star] = refIdx
			}
		}
		rows = append(rows, row{refIdx: refIdx, band: band, mag: mag, magErr: magErr})
	}

	ref := &stars.RefTable{NBands: nBands}
	size := len(idToRefIndex) * nBands
	ref.Mag = make([]float64, size)
	ref.MagErr = make([]float64, size)
	for i := range ref.Mag {
		ref.Mag[i] = 99.0
	}
	for _, rw := range rows {
		slot := int(rw.refIdx)*nBands + rw.band
		ref.Mag[slot] = rw.mag
		ref.MagErr[slot] = rw.magErr
	}
	return ref, nil
}

// LoadExposures reads the exposure metadata table CSV with header
// EXPNUM,MJD,DELTAUT,NIGHTINDEX,WASHINDEX,FILTERINDEX,PMB and an optional
// trailing EPOCHINDEX column (one row per exposure, ordered by EXPNUM) and
// fans it into a freshly built
// pars.Model's per-exposure fields. nCampaignNights, nWashIntervals and
// nLUTFilter are derived as one past the largest index seen, matching how
// the position-index and observation tables derive their own extents from
// the data rather than a separate declared count.
func LoadExposures(path string, flags pars.Flags) (*pars.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("catalog: reading header: %w", err)
	}

	var mjd, deltaUT, pmb []float64
	var nightIndex, washIndex, filterIndex, epochIndex []int

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		mjdV, _ := strconv.ParseFloat(rec[1], 64)
		deltaUTV, _ := strconv.ParseFloat(rec[2], 64)
		nightV, _ := strconv.Atoi(rec[3])
		washV, _ := strconv.Atoi(rec[4])
		filterV, _ := strconv.Atoi(rec[5])
		pmbV, _ := strconv.ParseFloat(rec[6], 64)
		epochV := 0
		if len(rec) > 7 {
			epochV, _ = strconv.Atoi(rec[7])
		}

		mjd = append(mjd, mjdV)
		deltaUT = append(deltaUT, deltaUTV)
		nightIndex = append(nightIndex, nightV)
		washIndex = append(washIndex, washV)
		filterIndex = append(filterIndex, filterV)
		pmb = append(pmb, pmbV)
		epochIndex = append(epochIndex, epochV)
	}

	nNights, nWash, nFilter := 0, 0, 0
	for i := range mjd {
		if nightIndex[i]+1 > nNights {
			nNights = nightIndex[i] + 1
		}
		if washIndex[i]+1 > nWash {
			nWash = washIndex[i] + 1
		}
		if filterIndex[i]+1 > nFilter {
			nFilter = filterIndex[i] + 1
		}
	}

	model := pars.NewModel(flags, nNights, nWash, nFilter)
	model.ExpMJD = mjd
	model.ExpDeltaUT = deltaUT
	model.ExpPmb = pmb
	model.ExpNightIndex = nightIndex
	model.ExpWashIndex = washIndex
	model.ExpEpochIndex = epochIndex
	model.ExpLUTFilterIndex = filterIndex

	washMJDs := make([]float64, nWash)
	seen := make([]bool, nWash)
	for i := range mjd {
		w := washIndex[i]
		if !seen[w] || mjd[i] < washMJDs[w] {
			washMJDs[w] = mjd[i]
			seen[w] = true
		}
	}
	model.WashMJDs = washMJDs

	return model, nil
}

// lutFile is the on-disk JSON representation of a LUT grid: axis extents
// plus flattened I0/I1 arrays in the filter/lnPwv/o3/lnTau/alpha/secZ/ccd/pmb
// row-major order internal/lut.Grid expects. Real campaigns populate this
// file from the atmospheric radiative-transfer code, out of scope here.
type lutFile struct {
	Filters, CCDs                          int
	LnPwv, O3, LnTau, Alpha, SecZenith, Pmb lut.Axis
	I0, I1                                  []float64
}

// LoadLUT reads a JSON-encoded LUT grid file and returns the immutable
// lut.Grid it describes.
func LoadLUT(path string) (*lut.Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	var lf lutFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("catalog: parsing LUT file %s: %w", path, err)
	}

	want := lf.Filters * lf.LnPwv.N * lf.O3.N * lf.LnTau.N * lf.Alpha.N * lf.SecZenith.N * lf.CCDs * lf.Pmb.N
	if len(lf.I0) != want || len(lf.I1) != want {
		return nil, fmt.Errorf("catalog: LUT file %s: I0/I1 length %d/%d, want %d", path, len(lf.I0), len(lf.I1), want)
	}

	return lut.NewGridFromArrays(lf.Filters, lf.CCDs, lf.LnPwv, lf.O3, lf.LnTau, lf.Alpha, lf.SecZenith, lf.Pmb, lf.I0, lf.I1)
}

// diagnostics is the JSON-serialisable post-fit dump: per-(exposure,CCD)
// and per-exposure gray tables, plus per-band reference-star
// offset/scatter and the running absolute throughput scale.
type diagnostics struct {
	CCDGray       []gray.CCDGrayRow `json:"ccdGray"`
	ExpGray       []gray.ExpGrayRow `json:"expGray"`
	RefOffset     []float64         `json:"compRefOffset,omitempty"`
	RefSigma      []float64         `json:"compRefSigma,omitempty"`
	AbsThroughput []float64         `json:"compAbsThroughput,omitempty"`
}

// WriteDiagnostics writes a campaign's post-fit diagnostics dump to path
// as indented JSON: the gray aggregator's finalized tables, the per-band
// reference-star offset/scatter (if a reference table was loaded), and
// the running absolute throughput scale.
func WriteDiagnostics(path string, objs *stars.Objects, ref *stars.RefTable, grayAgg *gray.Aggregator, absThroughput []float64) error {
	d := diagnostics{
		CCDGray:       grayAgg.CCDGrayRows(),
		ExpGray:       grayAgg.ExpGrayRows(),
		AbsThroughput: absThroughput,
	}
	if ref != nil {
		d.RefOffset, d.RefSigma, _ = stars.RefResidualStats(objs, ref)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshaling diagnostics: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("catalog: writing %s: %w", path, err)
	}
	return nil
}


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

package engine

import "errors"

// ErrConfig signals an inconsistent combination of Run options, e.g.
// AllExposures combined with ComputeDerivatives.
var ErrConfig = errors.New("engine: inconsistent configuration")

// ErrNoData signals no good stars, or no good observations in a band
// required by the requested operation.
var ErrNoData = errors.New("engine: no data")

// ErrSingularFit signals DOF <= 0 after accumulation.
var ErrSingularFit = errors.New("engine: degrees of freedom <= 0")

// ErrLUTDomain signals that a run drove too many LUT lookups outside the
// grid. Individual out-of-range lookups are clamped and counted, not
// errors; the run fails only when the clamp count for one evaluation
// exceeds Config.MaxLUTClampFrac of the good observations.
var ErrLUTDomain = errors.New("engine: too many LUT lookups outside the grid")

// ErrMaxIterations is not an error in the usual sense: it is a
// distinguished unwind signal the driver catches to stop the outer
// minimiser gracefully once Config.MaxIterations chi-squared evaluations
// have been performed.
var ErrMaxIterations = errors.New("engine: max iterations reached")

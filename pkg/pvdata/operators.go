// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package pvdata

// ListOperators returns the static catalogue of every resolution/operator
// this client understands. It performs no I/O; it exists so a host
// shell can offer autocompletion without having queried a server.
func ListOperators() []Operator {
	ops := []Operator{
		{Name: "raw", Description: "Unreduced samples, no server-side reduction."},
		{Name: "optimized", Description: "Server picks a bin size to hit a target point count.", RequiresParam: true, Params: []string{"target_points"}},
		{Name: "nth", Description: "Every nth raw sample.", RequiresParam: true, Params: []string{"n"}},
	}
	for _, op := range []BinOperator{
		OpMean, OpMin, OpMax, OpCount, OpMedian, OpStd, OpVariance, OpPopVariance,
		OpJitter, OpKurtosis, OpSkewness, OpFirstSample, OpLastSample, OpFirstFill, OpLastFill,
	} {
		ops = append(ops, Operator{
			Name:          string(op),
			Description:   "Bins samples and reduces each bin with " + string(op) + ".",
			RequiresParam: true,
			Params:        []string{"bin_seconds"},
		})
	}
	for _, op := range []FlyerOperator{OpIgnoreFlyers, OpFlyers} {
		ops = append(ops, Operator{
			Name:          string(op),
			Description:   "Bins samples, filtering outliers beyond a standard-deviation threshold.",
			RequiresParam: true,
			Params:        []string{"bin_seconds", "stddev_threshold"},
		})
	}
	return ops
}

package tensor

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// SpatialLinear applies a dense map across the flattened spatial positions of
// every channel: for each sample, Y (C, OH*OW) = X (C, H*W) · Wᵀ + b, with
// weight shaped (OH*OW, H*W) and bias (OH*OW) or nil.
func SpatialLinear(x, weight, bias *Tensor, oh, ow int) (*Tensor, error) {
	if !x.is4D() {
		return nil, mismatch("spatial linear", x.shape, weight.shape)
	}
	n, c, h, w := x.Dims()
	lin, lout := h*w, oh*ow
	if weight.Len() != lout*lin || (bias != nil && bias.Len() != lout) {
		return nil, mismatch("spatial linear", x.shape, weight.shape)
	}
	out := make([]float64, n*c*lout)
	wmat := general(lout, lin, weight.Data)
	for i := 0; i < n; i++ {
		xi := general(c, lin, x.Data[i*c*lin:(i+1)*c*lin])
		yi := general(c, lout, out[i*c*lout:(i+1)*c*lout])
		blas64.Gemm(blas.NoTrans, blas.Trans, 1, xi, wmat, 0, yi)
		if bias != nil {
			for ch := 0; ch < c; ch++ {
				floats.Add(yi.Data[ch*lout:(ch+1)*lout], bias.Data)
			}
		}
	}
	return result("spatial linear", []int{n, c, oh, ow}, out, []*Tensor{x, weight, bias}, func(g []float64) {
		xg := gradOf(x)
		wg := gradOf(weight)
		bg := gradOf(bias)
		for i := 0; i < n; i++ {
			gi := general(c, lout, g[i*c*lout:(i+1)*c*lout])
			if xg != nil {
				blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, gi, wmat, 1, general(c, lin, xg[i*c*lin:(i+1)*c*lin]))
			}
			if wg != nil {
				xi := general(c, lin, x.Data[i*c*lin:(i+1)*c*lin])
				blas64.Gemm(blas.Trans, blas.NoTrans, 1, gi, xi, 1, general(lout, lin, wg))
			}
			if bg != nil {
				for ch := 0; ch < c; ch++ {
					floats.Add(bg, gi.Data[ch*lout:(ch+1)*lout])
				}
			}
		}
	}), nil
}

// CrossAttention attends from every position of q (N, C, HQ, WQ) over the
// positions of k (N, C, HK, WK) and returns the weighted sum of v
// (N, CV, HK, WK) as an (N, CV, HQ, WQ) tensor. Scores are scaled by 1/√C.
func CrossAttention(q, k, v *Tensor) (*Tensor, error) {
	if !q.is4D() || !k.is4D() || !v.is4D() {
		return nil, mismatch("cross attention", q.shape, k.shape, v.shape)
	}
	n, c, hq, wq := q.Dims()
	kn, kc, hk, wk := k.Dims()
	vn, cv, vh, vw := v.Dims()
	if kn != n || vn != n || kc != c || vh != hk || vw != wk {
		return nil, mismatch("cross attention", q.shape, k.shape, v.shape)
	}
	lq, lk := hq*wq, hk*wk
	scale := 1 / math.Sqrt(float64(c))

	attn := make([]float64, n*lq*lk)
	out := make([]float64, n*cv*lq)
	for i := 0; i < n; i++ {
		qi := general(c, lq, q.Data[i*c*lq:(i+1)*c*lq])
		ki := general(c, lk, k.Data[i*c*lk:(i+1)*c*lk])
		vi := general(cv, lk, v.Data[i*cv*lk:(i+1)*cv*lk])
		ai := general(lq, lk, attn[i*lq*lk:(i+1)*lq*lk])
		blas64.Gemm(blas.Trans, blas.NoTrans, scale, qi, ki, 0, ai)
		for r := 0; r < lq; r++ {
			row := ai.Data[r*lk : (r+1)*lk]
			softmax(row, row)
		}
		blas64.Gemm(blas.NoTrans, blas.Trans, 1, vi, ai, 0, general(cv, lq, out[i*cv*lq:(i+1)*cv*lq]))
	}

	return result("cross attention", []int{n, cv, hq, wq}, out, []*Tensor{q, k, v}, func(g []float64) {
		qg := gradOf(q)
		kg := gradOf(k)
		vg := gradOf(v)
		da := make([]float64, lq*lk)
		for i := 0; i < n; i++ {
			gi := general(cv, lq, g[i*cv*lq:(i+1)*cv*lq])
			ai := general(lq, lk, attn[i*lq*lk:(i+1)*lq*lk])
			vi := general(cv, lk, v.Data[i*cv*lk:(i+1)*cv*lk])
			if vg != nil {
				blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, gi, ai, 1, general(cv, lk, vg[i*cv*lk:(i+1)*cv*lk]))
			}
			if qg == nil && kg == nil {
				continue
			}
			ds := general(lq, lk, da)
			blas64.Gemm(blas.Trans, blas.NoTrans, 1, gi, vi, 0, ds)
			for r := 0; r < lq; r++ {
				arow := ai.Data[r*lk : (r+1)*lk]
				drow := da[r*lk : (r+1)*lk]
				dot := floats.Dot(arow, drow)
				for j := range drow {
					drow[j] = arow[j] * (drow[j] - dot)
				}
			}
			if qg != nil {
				ki := general(c, lk, k.Data[i*c*lk:(i+1)*c*lk])
				blas64.Gemm(blas.NoTrans, blas.Trans, scale, ki, ds, 1, general(c, lq, qg[i*c*lq:(i+1)*c*lq]))
			}
			if kg != nil {
				qi := general(c, lq, q.Data[i*c*lq:(i+1)*c*lq])
				blas64.Gemm(blas.NoTrans, blas.NoTrans, scale, qi, ds, 1, general(c, lk, kg[i*c*lk:(i+1)*c*lk]))
			}
		}
	}), nil
}

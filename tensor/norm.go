package tensor

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// BatchNorm normalizes every channel of x (N, C, H, W) and applies the affine
// transform gamma*xhat + beta. When runningMean and runningVar are nil the
// statistics are computed over the batch (biased variance); otherwise the
// supplied statistics are used and treated as constants.
func BatchNorm(x, gamma, beta, runningMean, runningVar *Tensor, eps float64) (*Tensor, error) {
	if !x.is4D() {
		return nil, mismatch("batchnorm", x.shape)
	}
	n, c, h, w := x.Dims()
	if gamma.Len() != c || beta.Len() != c {
		return nil, mismatch("batchnorm", x.shape, gamma.shape, beta.shape)
	}
	useBatch := runningMean == nil || runningVar == nil
	if !useBatch && (runningMean.Len() != c || runningVar.Len() != c) {
		return nil, mismatch("batchnorm", x.shape, runningMean.shape, runningVar.shape)
	}
	hw := h * w
	m := n * hw

	xhat := make([]float64, len(x.Data))
	out := make([]float64, len(x.Data))
	invstd := make([]float64, c)
	buf := make([]float64, m)
	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if useBatch {
			for i := 0; i < n; i++ {
				copy(buf[i*hw:(i+1)*hw], x.Data[(i*c+ch)*hw:(i*c+ch+1)*hw])
			}
			mean, variance = stat.PopMeanVariance(buf, nil)
		} else {
			mean, variance = runningMean.Data[ch], runningVar.Data[ch]
		}
		is := 1 / math.Sqrt(variance+eps)
		invstd[ch] = is
		g, b := gamma.Data[ch], beta.Data[ch]
		for i := 0; i < n; i++ {
			off := (i*c + ch) * hw
			for j := off; j < off+hw; j++ {
				xh := (x.Data[j] - mean) * is
				xhat[j] = xh
				out[j] = g*xh + b
			}
		}
	}

	return result("batchnorm", x.shape, out, []*Tensor{x, gamma, beta}, func(grad []float64) {
		gg := gradOf(gamma)
		bg := gradOf(beta)
		xg := gradOf(x)
		mf := float64(m)
		for ch := 0; ch < c; ch++ {
			var sumDy, sumDyXhat float64
			for i := 0; i < n; i++ {
				off := (i*c + ch) * hw
				for j := off; j < off+hw; j++ {
					sumDy += grad[j]
					sumDyXhat += grad[j] * xhat[j]
				}
			}
			if gg != nil {
				gg[ch] += sumDyXhat
			}
			if bg != nil {
				bg[ch] += sumDy
			}
			if xg == nil {
				continue
			}
			scale := gamma.Data[ch] * invstd[ch]
			for i := 0; i < n; i++ {
				off := (i*c + ch) * hw
				for j := off; j < off+hw; j++ {
					if useBatch {
						xg[j] += scale / mf * (mf*grad[j] - sumDy - xhat[j]*sumDyXhat)
					} else {
						xg[j] += scale * grad[j]
					}
				}
			}
		}
	}), nil
}

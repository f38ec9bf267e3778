package tensor

// Concat joins 4-D tensors along the channel dimension. All inputs must agree
// on batch size and spatial extent.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, mismatch("concat")
	}
	shapes := make([][]int, len(ts))
	for i, t := range ts {
		shapes[i] = t.shape
	}
	for _, t := range ts {
		if !t.is4D() {
			return nil, mismatch("concat", shapes...)
		}
	}
	n, _, h, w := ts[0].Dims()
	total := 0
	for _, t := range ts {
		tn, tc, th, tw := t.Dims()
		if tn != n || th != h || tw != w {
			return nil, mismatch("concat", shapes...)
		}
		total += tc
	}
	hw := h * w
	out := make([]float64, n*total*hw)
	for i := 0; i < n; i++ {
		off := i * total * hw
		for _, t := range ts {
			_, tc, _, _ := t.Dims()
			copy(out[off:off+tc*hw], t.Data[i*tc*hw:(i+1)*tc*hw])
			off += tc * hw
		}
	}
	return result("concat", []int{n, total, h, w}, out, ts, func(g []float64) {
		for i := 0; i < n; i++ {
			off := i * total * hw
			for _, t := range ts {
				_, tc, _, _ := t.Dims()
				if tg := gradOf(t); tg != nil {
					dst := tg[i*tc*hw : (i+1)*tc*hw]
					for j, v := range g[off : off+tc*hw] {
						dst[j] += v
					}
				}
				off += tc * hw
			}
		}
	}), nil
}

// SelectChannel returns channel ch of x as an (N, 1, H, W) tensor.
func SelectChannel(x *Tensor, ch int) (*Tensor, error) {
	if !x.is4D() {
		return nil, mismatch("select channel", x.shape)
	}
	n, c, h, w := x.Dims()
	if ch < 0 || ch >= c {
		return nil, mismatch("select channel", x.shape, []int{ch})
	}
	hw := h * w
	out := make([]float64, n*hw)
	for i := 0; i < n; i++ {
		copy(out[i*hw:(i+1)*hw], x.Data[(i*c+ch)*hw:(i*c+ch+1)*hw])
	}
	return result("select channel", []int{n, 1, h, w}, out, []*Tensor{x}, func(g []float64) {
		xg := gradOf(x)
		for i := 0; i < n; i++ {
			dst := xg[(i*c+ch)*hw : (i*c+ch+1)*hw]
			for j, v := range g[i*hw : (i+1)*hw] {
				dst[j] += v
			}
		}
	}), nil
}

// Pad2d surrounds every plane of x with zeros.
func Pad2d(x *Tensor, top, bottom, left, right int) (*Tensor, error) {
	if !x.is4D() || top < 0 || bottom < 0 || left < 0 || right < 0 {
		return nil, mismatch("pad2d", x.shape, []int{top, bottom, left, right})
	}
	if top == 0 && bottom == 0 && left == 0 && right == 0 {
		return x, nil
	}
	n, c, h, w := x.Dims()
	oh, ow := h+top+bottom, w+left+right
	out := make([]float64, n*c*oh*ow)
	for p := 0; p < n*c; p++ {
		for y := 0; y < h; y++ {
			copy(out[(p*oh+y+top)*ow+left:(p*oh+y+top)*ow+left+w], x.Data[(p*h+y)*w:(p*h+y+1)*w])
		}
	}
	return result("pad2d", []int{n, c, oh, ow}, out, []*Tensor{x}, func(g []float64) {
		xg := gradOf(x)
		for p := 0; p < n*c; p++ {
			for y := 0; y < h; y++ {
				src := g[(p*oh+y+top)*ow+left : (p*oh+y+top)*ow+left+w]
				dst := xg[(p*h+y)*w : (p*h+y+1)*w]
				for j, v := range src {
					dst[j] += v
				}
			}
		}
	}), nil
}

// RepeatChannels tiles a single-channel tensor to c channels.
func RepeatChannels(x *Tensor, c int) (*Tensor, error) {
	if !x.is4D() || c < 1 {
		return nil, mismatch("repeat channels", x.shape, []int{c})
	}
	if _, xc, _, _ := x.Dims(); xc != 1 {
		return nil, mismatch("repeat channels", x.shape, []int{c})
	}
	parts := make([]*Tensor, c)
	for i := range parts {
		parts[i] = x
	}
	return Concat(parts...)
}

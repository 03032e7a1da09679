package diff

import (
	"fmt"
	"math"
)

// GridSample resamples img at normalized coordinates using corner-aligned
// bilinear (2D) or trilinear (3D) interpolation. img is laid out
// [N, C, H, W] or [N, C, D, H, W]; coords is [N, ..., dims] with the last
// axis ordered (x, y[, z]), where x indexes the fastest-varying spatial
// axis. Coordinate -1 maps exactly to the first sample and +1 to the
// last; samples outside the image contribute zero.
//
// The result is [N, C, ...] with the spatial extent of coords. Gradients
// propagate to both the image and the coordinates.
func GridSample(img, coords *Tensor) *Tensor {
	dims := coords.Shape[len(coords.Shape)-1]
	if len(img.Shape) != dims+2 {
		panic(fmt.Sprintf("diff: image %v incompatible with %d-dimensional coordinates", img.Shape, dims))
	}
	if img.Shape[0] != coords.Shape[0] {
		panic(fmt.Sprintf("diff: batch mismatch between image %v and coordinates %v", img.Shape, coords.Shape))
	}
	switch dims {
	case 2:
		return gridSample2D(img, coords)
	case 3:
		return gridSample3D(img, coords)
	default:
		panic(fmt.Sprintf("diff: grid sampling supports 2 or 3 spatial dimensions, got %d", dims))
	}
}

func gridSample2D(img, coords *Tensor) *Tensor {
	n, c, h, w := img.Shape[0], img.Shape[1], img.Shape[2], img.Shape[3]
	perBatch := NumElems(coords.Shape[1 : len(coords.Shape)-1])

	outShape := make([]int, 0, len(coords.Shape)+1)
	outShape = append(outShape, n, c)
	outShape = append(outShape, coords.Shape[1:len(coords.Shape)-1]...)
	out := make([]float64, n*c*perBatch)

	fetch := func(b, ch, y, x int) float64 {
		if x < 0 || x >= w || y < 0 || y >= h {
			return 0
		}
		return img.Data[((b*c+ch)*h+y)*w+x]
	}

	for b := 0; b < n; b++ {
		for p := 0; p < perBatch; p++ {
			cx := coords.Data[(b*perBatch+p)*2]
			cy := coords.Data[(b*perBatch+p)*2+1]
			x := (cx + 1) * 0.5 * float64(w-1)
			y := (cy + 1) * 0.5 * float64(h-1)
			x0, y0 := int(math.Floor(x)), int(math.Floor(y))
			wx, wy := x-float64(x0), y-float64(y0)
			for ch := 0; ch < c; ch++ {
				f00 := fetch(b, ch, y0, x0)
				f01 := fetch(b, ch, y0, x0+1)
				f10 := fetch(b, ch, y0+1, x0)
				f11 := fetch(b, ch, y0+1, x0+1)
				out[(b*c+ch)*perBatch+p] = (1-wy)*((1-wx)*f00+wx*f01) + wy*((1-wx)*f10+wx*f11)
			}
		}
	}

	return operation(out, outShape, []*Tensor{img, coords}, func(node *Tensor) {
		scatter := func(b, ch, y, x int, v float64) {
			if x < 0 || x >= w || y < 0 || y >= h {
				return
			}
			img.Grad[((b*c+ch)*h+y)*w+x] += v
		}
		for b := 0; b < n; b++ {
			for p := 0; p < perBatch; p++ {
				cx := coords.Data[(b*perBatch+p)*2]
				cy := coords.Data[(b*perBatch+p)*2+1]
				x := (cx + 1) * 0.5 * float64(w-1)
				y := (cy + 1) * 0.5 * float64(h-1)
				x0, y0 := int(math.Floor(x)), int(math.Floor(y))
				wx, wy := x-float64(x0), y-float64(y0)
				var gx, gy float64
				for ch := 0; ch < c; ch++ {
					g := node.Grad[(b*c+ch)*perBatch+p]
					if g == 0 {
						continue
					}
					f00 := fetch(b, ch, y0, x0)
					f01 := fetch(b, ch, y0, x0+1)
					f10 := fetch(b, ch, y0+1, x0)
					f11 := fetch(b, ch, y0+1, x0+1)
					if img.requiresGrad {
						scatter(b, ch, y0, x0, g*(1-wy)*(1-wx))
						scatter(b, ch, y0, x0+1, g*(1-wy)*wx)
						scatter(b, ch, y0+1, x0, g*wy*(1-wx))
						scatter(b, ch, y0+1, x0+1, g*wy*wx)
					}
					gx += g * ((1-wy)*(f01-f00) + wy*(f11-f10))
					gy += g * ((1-wx)*(f10-f00) + wx*(f11-f01))
				}
				if coords.requiresGrad {
					coords.Grad[(b*perBatch+p)*2] += gx * 0.5 * float64(w-1)
					coords.Grad[(b*perBatch+p)*2+1] += gy * 0.5 * float64(h-1)
				}
			}
		}
	})
}

func gridSample3D(img, coords *Tensor) *Tensor {
	n, c, d, h, w := img.Shape[0], img.Shape[1], img.Shape[2], img.Shape[3], img.Shape[4]
	perBatch := NumElems(coords.Shape[1 : len(coords.Shape)-1])

	outShape := make([]int, 0, len(coords.Shape)+1)
	outShape = append(outShape, n, c)
	outShape = append(outShape, coords.Shape[1:len(coords.Shape)-1]...)
	out := make([]float64, n*c*perBatch)

	fetch := func(b, ch, z, y, x int) float64 {
		if x < 0 || x >= w || y < 0 || y >= h || z < 0 || z >= d {
			return 0
		}
		return img.Data[(((b*c+ch)*d+z)*h+y)*w+x]
	}

	for b := 0; b < n; b++ {
		for p := 0; p < perBatch; p++ {
			cx := coords.Data[(b*perBatch+p)*3]
			cy := coords.Data[(b*perBatch+p)*3+1]
			cz := coords.Data[(b*perBatch+p)*3+2]
			x := (cx + 1) * 0.5 * float64(w-1)
			y := (cy + 1) * 0.5 * float64(h-1)
			z := (cz + 1) * 0.5 * float64(d-1)
			x0, y0, z0 := int(math.Floor(x)), int(math.Floor(y)), int(math.Floor(z))
			wx, wy, wz := x-float64(x0), y-float64(y0), z-float64(z0)
			for ch := 0; ch < c; ch++ {
				val := 0.0
				for zi := 0; zi < 2; zi++ {
					qz := 1 - wz
					if zi == 1 {
						qz = wz
					}
					for yi := 0; yi < 2; yi++ {
						qy := 1 - wy
						if yi == 1 {
							qy = wy
						}
						f0 := fetch(b, ch, z0+zi, y0+yi, x0)
						f1 := fetch(b, ch, z0+zi, y0+yi, x0+1)
						val += qz * qy * ((1-wx)*f0 + wx*f1)
					}
				}
				out[(b*c+ch)*perBatch+p] = val
			}
		}
	}

	return operation(out, outShape, []*Tensor{img, coords}, func(node *Tensor) {
		scatter := func(b, ch, z, y, x int, v float64) {
			if x < 0 || x >= w || y < 0 || y >= h || z < 0 || z >= d {
				return
			}
			img.Grad[(((b*c+ch)*d+z)*h+y)*w+x] += v
		}
		for b := 0; b < n; b++ {
			for p := 0; p < perBatch; p++ {
				cx := coords.Data[(b*perBatch+p)*3]
				cy := coords.Data[(b*perBatch+p)*3+1]
				cz := coords.Data[(b*perBatch+p)*3+2]
				x := (cx + 1) * 0.5 * float64(w-1)
				y := (cy + 1) * 0.5 * float64(h-1)
				z := (cz + 1) * 0.5 * float64(d-1)
				x0, y0, z0 := int(math.Floor(x)), int(math.Floor(y)), int(math.Floor(z))
				wx, wy, wz := x-float64(x0), y-float64(y0), z-float64(z0)
				var gx, gy, gz float64
				for ch := 0; ch < c; ch++ {
					g := node.Grad[(b*c+ch)*perBatch+p]
					if g == 0 {
						continue
					}
					for zi := 0; zi < 2; zi++ {
						qz := 1 - wz
						dz := -1.0
						if zi == 1 {
							qz = wz
							dz = 1.0
						}
						for yi := 0; yi < 2; yi++ {
							qy := 1 - wy
							dy := -1.0
							if yi == 1 {
								qy = wy
								dy = 1.0
							}
							f0 := fetch(b, ch, z0+zi, y0+yi, x0)
							f1 := fetch(b, ch, z0+zi, y0+yi, x0+1)
							if img.requiresGrad {
								scatter(b, ch, z0+zi, y0+yi, x0, g*qz*qy*(1-wx))
								scatter(b, ch, z0+zi, y0+yi, x0+1, g*qz*qy*wx)
							}
							interpX := (1-wx)*f0 + wx*f1
							gx += g * qz * qy * (f1 - f0)
							gy += g * qz * dy * interpX
							gz += g * dz * qy * interpX
						}
					}
				}
				if coords.requiresGrad {
					coords.Grad[(b*perBatch+p)*3] += gx * 0.5 * float64(w-1)
					coords.Grad[(b*perBatch+p)*3+1] += gy * 0.5 * float64(h-1)
					coords.Grad[(b*perBatch+p)*3+2] += gz * 0.5 * float64(d-1)
				}
			}
		}
	})
}

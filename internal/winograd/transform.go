package winograd

// F(4,3): a 6x6 input tile and a 3x3 kernel give a 4x4 output tile.
const (
	TileOut = 4
	TileIn  = 6
	Slots   = TileIn * TileIn
	// Scale is the factor the integer kernel transform G' = 24·G adds to
	// every output: 24 on each side.
	Scale = 576
)

// bt is Bᵀ, the input transform.
var bt = [TileIn][TileIn]int32{
	{4, 0, -5, 0, 1, 0},
	{0, -4, -4, 1, 1, 0},
	{0, 4, -4, -1, 1, 0},
	{0, -2, -1, 2, 1, 0},
	{0, 2, -1, -2, 1, 0},
	{0, 4, 0, -5, 0, 1},
}

// gi is 24·G, the integer kernel transform.
var gi = [TileIn][3]int32{
	{6, 0, 0},
	{-4, -4, -4},
	{-4, 4, -4},
	{1, 2, 4},
	{1, -2, 4},
	{0, 0, 24},
}

// at is Aᵀ, the output transform.
var at = [TileOut][TileIn]int64{
	{1, 1, 1, 1, 1, 0},
	{0, 1, -1, 2, -2, 0},
	{0, 1, 1, 4, 4, 0},
	{0, 1, -1, 8, -8, 1},
}

// KernelInt computes G'·g·G'ᵀ for a row-major 3x3 kernel.
func KernelInt(g *[9]int32, u *[Slots]int32) {
	var tmp [TileIn][3]int32
	for i := range TileIn {
		for j := range 3 {
			tmp[i][j] = gi[i][0]*g[j] + gi[i][1]*g[3+j] + gi[i][2]*g[6+j]
		}
	}
	for i := range TileIn {
		for j := range TileIn {
			u[i*TileIn+j] = tmp[i][0]*gi[j][0] + tmp[i][1]*gi[j][1] + tmp[i][2]*gi[j][2]
		}
	}
}

// KernelFloat computes G·g·Gᵀ exactly in float32.
func KernelFloat(g *[9]float32, u *[Slots]float32) {
	var tmp [TileIn][3]float32
	for i := range TileIn {
		for j := range 3 {
			tmp[i][j] = (float32(gi[i][0])*g[j] + float32(gi[i][1])*g[3+j] + float32(gi[i][2])*g[6+j]) / 24
		}
	}
	for i := range TileIn {
		for j := range TileIn {
			u[i*TileIn+j] = (tmp[i][0]*float32(gi[j][0]) + tmp[i][1]*float32(gi[j][1]) + tmp[i][2]*float32(gi[j][2])) / 24
		}
	}
}

// InputInt computes Bᵀ·d·B for a 6x6 tile read from d with row stride ld.
func InputInt(d []int32, ld int, v *[Slots]int32) {
	var tmp [TileIn][TileIn]int32
	for i := range TileIn {
		row := &bt[i]
		for j := range TileIn {
			var s int32
			for k := range TileIn {
				if row[k] != 0 {
					s += row[k] * d[k*ld+j]
				}
			}
			tmp[i][j] = s
		}
	}
	for i := range TileIn {
		for j := range TileIn {
			col := &bt[j]
			var s int32
			for k := range TileIn {
				if col[k] != 0 {
					s += tmp[i][k] * col[k]
				}
			}
			v[i*TileIn+j] = s
		}
	}
}

// InputFloat is InputInt in float32.
func InputFloat(d []float32, ld int, v *[Slots]float32) {
	var tmp [TileIn][TileIn]float32
	for i := range TileIn {
		row := &bt[i]
		for j := range TileIn {
			var s float32
			for k := range TileIn {
				if row[k] != 0 {
					s += float32(row[k]) * d[k*ld+j]
				}
			}
			tmp[i][j] = s
		}
	}
	for i := range TileIn {
		for j := range TileIn {
			col := &bt[j]
			var s float32
			for k := range TileIn {
				if col[k] != 0 {
					s += tmp[i][k] * float32(col[k])
				}
			}
			v[i*TileIn+j] = s
		}
	}
}

// OutputInt computes Aᵀ·m·A for one tile's 36 slot sums.
func OutputInt(m *[Slots]int64, y *[TileOut * TileOut]int64) {
	var tmp [TileOut][TileIn]int64
	for i := range TileOut {
		for j := range TileIn {
			var s int64
			for k := range TileIn {
				s += at[i][k] * m[k*TileIn+j]
			}
			tmp[i][j] = s
		}
	}
	for i := range TileOut {
		for j := range TileOut {
			var s int64
			for k := range TileIn {
				s += tmp[i][k] * at[j][k]
			}
			y[i*TileOut+j] = s
		}
	}
}

// OutputFloat is OutputInt in float32.
func OutputFloat(m *[Slots]float32, y *[TileOut * TileOut]float32) {
	var tmp [TileOut][TileIn]float32
	for i := range TileOut {
		for j := range TileIn {
			var s float32
			for k := range TileIn {
				s += float32(at[i][k]) * m[k*TileIn+j]
			}
			tmp[i][j] = s
		}
	}
	for i := range TileOut {
		for j := range TileOut {
			var s float32
			for k := range TileIn {
				s += tmp[i][k] * float32(at[j][k])
			}
			y[i*TileOut+j] = s
		}
	}
}

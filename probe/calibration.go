package probe

import "math"

// MineralDensity is the particle density of mineral soil in g/cm³
const MineralDensity = 2.65

// CubicBranchMaxEC is the bulk EC below which the cubic calibration applies.
// At or above it the square-root model is used.
const CubicBranchMaxEC = 5.0

// Derived holds the values computed from one sample
type Derived struct {
	SoilMoisture float64 `json:"soil_moisture"`
	SolutionEC   float64 `json:"solution_ec"`
}

// Porosity returns theta, the pore space fraction for the given bulk density
func Porosity(bulkDensity float64) float64 {
	return 1 - bulkDensity/MineralDensity
}

// Calibrate converts a dielectric reading into volumetric soil moisture and
// estimates the EC of the pore water.
//
// The coefficients are empirical calibration constants. NaN and Inf inputs
// propagate to the result.
func Calibrate(dielectric, bulkEC, theta float64) Derived {
	var moisture float64
	if bulkEC < CubicBranchMaxEC {
		moisture = 5.89e-6*math.Pow(dielectric, 3) -
			7.62e-4*math.Pow(dielectric, 2) +
			3.67e-2*dielectric -
			7.53e-2
	} else {
		moisture = 0.118*math.Sqrt(dielectric) - 0.117
	}

	return Derived{
		SoilMoisture: moisture,
		SolutionEC:   (bulkEC / 1000 * moisture) / theta,
	}
}

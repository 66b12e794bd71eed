package simulator

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/batman-mesh/livemap/pkg/core"
)

// PathFile is the YAML layout of a waypoint file:
//
//	vehicles:
//	  - id: 1
//	    path:
//	      - [13.135379, 77.569096]
type PathFile struct {
	Vehicles []VehiclePath `yaml:"vehicles" validate:"required,min=1,dive"`
}

// VehiclePath is one vehicle entry of a PathFile. Points are [lat, long].
type VehiclePath struct {
	ID   string      `yaml:"id" validate:"required"`
	Path [][]float64 `yaml:"path" validate:"required,min=1,dive,len=2"`
}

// LoadPaths reads and validates a YAML waypoint file.
func LoadPaths(file string) (map[core.VehicleID]core.WaypointPath, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading waypoint file: %w", err)
	}
	return ParsePaths(data)
}

// ParsePaths decodes the YAML waypoint layout.
func ParsePaths(data []byte) (map[core.VehicleID]core.WaypointPath, error) {
	var pf PathFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing waypoint file: %w", err)
	}
	if err := validator.New().Struct(pf); err != nil {
		return nil, fmt.Errorf("invalid waypoint file: %w", err)
	}

	paths := make(map[core.VehicleID]core.WaypointPath, len(pf.Vehicles))
	for _, v := range pf.Vehicles {
		id := core.VehicleID(v.ID)
		if _, dup := paths[id]; dup {
			return nil, fmt.Errorf("invalid waypoint file: vehicle %s listed twice", id)
		}
		path := make(core.WaypointPath, 0, len(v.Path))
		for _, pt := range v.Path {
			path = append(path, core.Position{Lat: pt[0], Lon: pt[1]})
		}
		paths[id] = path
	}
	return paths, nil
}

// DefaultPaths returns the built-in demo routes around the Bangalore test area.
func DefaultPaths() map[core.VehicleID]core.WaypointPath {
	return map[core.VehicleID]core.WaypointPath{
		"1": {
			{Lat: 13.135379905537818, Lon: 77.56909605703297},
		},
		"2": {
			{Lat: 13.135225253691889, Lon: 77.56916901851365},
			{Lat: 13.130204, Lon: 77.571351},
			{Lat: 13.130326, Lon: 77.571583},
			{Lat: 13.130471, Lon: 77.571223},
			{Lat: 13.135225253691889, Lon: 77.56916901851365},
		},
		"3": {
			{Lat: 13.135387669683919, Lon: 77.56871515177139},
			{Lat: 13.135252, Lon: 77.569146},
			{Lat: 13.135252, Lon: 77.569255},
			{Lat: 13.134599, Lon: 77.569498},
			{Lat: 13.134114, Lon: 77.572075},
			{Lat: 13.131497, Lon: 77.571457},
			{Lat: 13.131563, Lon: 77.571021},
			{Lat: 13.131164, Lon: 77.570862},
			{Lat: 13.130209, Lon: 77.571360},
			{Lat: 13.130153, Lon: 77.571248},
			{Lat: 13.135252, Lon: 77.569107},
		},
		"4": {
			{Lat: 13.134432963671776, Lon: 77.56952104490269},
			{Lat: 13.135415, Lon: 77.569070},
			{Lat: 13.134432, Lon: 77.569130},
			{Lat: 13.133922, Lon: 77.569039},
			{Lat: 13.134077, Lon: 77.569501},
		},
		"5": {
			{Lat: 13.134557599098008, Lon: 77.56946376046962},
		},
	}
}

package device

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type specFile struct {
	Devices []specFileDevice `yaml:"devices"`
}

type specFileDevice struct {
	Name       string            `yaml:"name"`
	Advertised []string          `yaml:"advertised"`
	Services   []specFileService `yaml:"services"`
}

type specFileService struct {
	UUID            string                   `yaml:"uuid"`
	Name            string                   `yaml:"name"`
	Characteristics []specFileCharacteristic `yaml:"characteristics"`
}

type specFileCharacteristic struct {
	UUID     string `yaml:"uuid"`
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Required bool   `yaml:"required"`
	Read     bool   `yaml:"read"`
	Write    bool   `yaml:"write"`
	Notify   bool   `yaml:"notify"`
}

// LoadSpecs parses custom device families from YAML:
//
//	devices:
//	  - name: thermo
//	    advertised: ["181a"]
//	    services:
//	      - uuid: "181a"
//	        characteristics:
//	          - {uuid: "2a6e", kind: numeric, read: true, notify: true}
func LoadSpecs(r io.Reader) ([]*DeviceSpec, error) {
	var f specFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse device specs: %w", err)
	}

	specs := make([]*DeviceSpec, 0, len(f.Devices))
	for i, d := range f.Devices {
		if d.Name == "" {
			return nil, fmt.Errorf("device spec #%d: name is required", i+1)
		}
		spec := &DeviceSpec{Family: FamilyCustom, Name: d.Name}

		for _, a := range d.Advertised {
			n := NormalizeUUID(a)
			if n == "" {
				return nil, fmt.Errorf("device spec %q: invalid advertised UUID %q", d.Name, a)
			}
			spec.Advertised = append(spec.Advertised, n)
		}

		for _, s := range d.Services {
			svcUUID := NormalizeUUID(s.UUID)
			if svcUUID == "" {
				return nil, fmt.Errorf("device spec %q: invalid service UUID %q", d.Name, s.UUID)
			}
			svc := ServiceSpec{UUID: svcUUID, Name: s.Name}
			for _, c := range s.Characteristics {
				charUUID := NormalizeUUID(c.UUID)
				if charUUID == "" {
					return nil, fmt.Errorf("device spec %q: invalid characteristic UUID %q", d.Name, c.UUID)
				}
				kind, err := ParseValueKind(c.Kind)
				if err != nil {
					return nil, fmt.Errorf("device spec %q: characteristic %s: %w", d.Name, charUUID, err)
				}
				svc.Characteristics = append(svc.Characteristics, CharacteristicSpec{
					UUID:     charUUID,
					Name:     c.Name,
					Kind:     kind,
					Required: c.Required,
					Readable: c.Read || c.Required,
					Writable: c.Write,
					Notify:   c.Notify,
				})
			}
			spec.Services = append(spec.Services, svc)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

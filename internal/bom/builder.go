package bom

import (
	"io"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Radar/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		version = "unknown"
	} else {
		version = info.Main.Version
	}
}

// Version returns the main module version of the running binary.
func Version() string {
	return version
}

// Builder is a builder pattern for a CycloneDX BOM structure. Discovered
// hosts become device components and open ports become services.
type Builder struct {
	authors    []cdx.OrganizationalContact
	components []cdx.Component
	services   []cdx.Service
	properties []cdx.Property
	refs       map[string]struct{}
}

func NewBuilder() *Builder {
	return &Builder{
		// those MUST be initialized as cyclone-dx JSON schema do not allow items to be null
		components: []cdx.Component{},
		services:   []cdx.Service{},
		properties: []cdx.Property{},
		refs:       map[string]struct{}{},
	}
}

func (b *Builder) AppendAuthors(authors ...cdx.OrganizationalContact) *Builder {
	b.authors = append(b.authors, authors...)
	return b
}

func (b *Builder) AppendProperties(properties ...cdx.Property) *Builder {
	b.properties = append(b.properties, properties...)
	return b
}

// AppendResources adds resources, each one at most once.
func (b *Builder) AppendResources(resources ...model.Resource) *Builder {
	for _, r := range resources {
		ref := BOMRef(r)
		if _, ok := b.refs[ref]; ok {
			continue
		}
		b.refs[ref] = struct{}{}
		switch x := r.(type) {
		case *model.IPAddress:
			b.components = append(b.components, cdx.Component{
				BOMRef: ref,
				Type:   cdx.ComponentTypeDevice,
				Name:   x.Address,
				Properties: &[]cdx.Property{
					{Name: "radar:resource", Value: string(x.ResourceKind())},
					{Name: "radar:ip_version", Value: strconv.Itoa(x.Version)},
				},
			})
		case *model.OpenPort:
			if x.Port == nil {
				continue
			}
			b.services = append(b.services, cdx.Service{
				BOMRef: ref,
				Name:   strconv.Itoa(int(x.Port.Number)) + "/" + string(x.Port.Protocol),
				Properties: &[]cdx.Property{
					{Name: "radar:resource", Value: string(x.ResourceKind())},
					{Name: "radar:protocol", Value: string(x.Port.Protocol)},
					{Name: "radar:port", Value: strconv.Itoa(int(x.Port.Number))},
					{Name: "radar:port_id", Value: x.Port.ID.String()},
				},
			})
		case *model.Port:
			b.components = append(b.components, cdx.Component{
				BOMRef: ref,
				Type:   cdx.ComponentTypeData,
				Name:   strconv.Itoa(int(x.Number)) + "/" + string(x.Protocol),
				Properties: &[]cdx.Property{
					{Name: "radar:resource", Value: string(x.ResourceKind())},
				},
			})
		}
	}
	return b
}

// BOMRef is the reference of a resource inside a BOM.
func BOMRef(r model.Resource) string {
	return string(r.ResourceKind()) + "/" + r.ResourceID().String()
}

// BOM returns a cdx.BOM based on a data inside the Builder
func (b *Builder) BOM() cdx.BOM {
	components := slices.Clone(b.components)
	slices.SortFunc(components, func(x, y cdx.Component) int { return strings.Compare(x.Name, y.Name) })
	services := slices.Clone(b.services)
	slices.SortFunc(services, func(x, y cdx.Service) int { return strings.Compare(x.Name, y.Name) })

	bom := cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.New().String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{
					Phase: "operations",
				},
			},
			Authors: &b.authors,
			// This can't be not nil otherwise this error will happen
			// json: error calling MarshalJSON for type *cyclonedx.ToolsChoice: unexpected end of JSON input
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "Radar",
				Version: version,
				Manufacturer: &cdx.OrganizationalEntity{
					Name:    "CZERTAINLY",
					Address: &cdx.PostalAddress{},
					URL: &[]string{
						"https://www.czertainly.com",
					},
				},
			},
		},
		Components: &components,
		Services:   &services,
		Properties: &b.properties,
	}
	return bom
}

// AsJSON encode the BOM into JSON format
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}

package bom_test

import (
	"bytes"
	"testing"

	"github.com/CZERTAINLY/Radar/internal/bom"
	"github.com/CZERTAINLY/Radar/internal/model"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	t.Parallel()

	ip := &model.IPAddress{ID: uuid.New(), Address: "127.0.0.1", Version: 4}
	port := &model.Port{ID: uuid.New(), Protocol: model.UDP, Number: 53}
	open := &model.OpenPort{ID: uuid.New(), Port: port}

	b := bom.NewBuilder().
		AppendAuthors(cdx.OrganizationalContact{
			Name:  "test-author",
			Email: "test.author@example.net",
		}).
		AppendResources(ip, open, ip).
		AppendProperties(cdx.Property{
			Name:  "radar:scanner",
			Value: "udp-ports",
		})

	var buf bytes.Buffer
	err := b.AsJSON(&buf)
	require.NoError(t, err)

	var got cdx.BOM
	err = cdx.NewBOMDecoder(&buf, cdx.BOMFileFormatJSON).Decode(&got)
	require.NoError(t, err)

	require.Equal(t, cdx.SpecVersion1_6, got.SpecVersion)
	require.Equal(t, "Radar", got.Metadata.Component.Name)

	require.NotNil(t, got.Components)
	require.Len(t, *got.Components, 1)
	c := (*got.Components)[0]
	require.Equal(t, "127.0.0.1", c.Name)
	require.Equal(t, cdx.ComponentTypeDevice, c.Type)
	require.Equal(t, bom.BOMRef(ip), c.BOMRef)

	require.NotNil(t, got.Services)
	require.Len(t, *got.Services, 1)
	s := (*got.Services)[0]
	require.Equal(t, "53/udp", s.Name)
	require.Contains(t, *s.Properties, cdx.Property{Name: "radar:protocol", Value: "udp"})

	require.Equal(t, []cdx.Property{{Name: "radar:scanner", Value: "udp-ports"}}, *got.Properties)
}

func TestBuilder_Empty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, bom.NewBuilder().AsJSON(&buf))
	require.Contains(t, buf.String(), `"components": []`)
}

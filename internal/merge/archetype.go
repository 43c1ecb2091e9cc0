package merge

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

type archetypeCatalog struct {
	XMLName    xml.Name    `xml:"archetype-catalog"`
	Archetypes []archetype `xml:"archetypes>archetype"`
}

type archetype struct {
	GroupID     string `xml:"groupId"`
	ArtifactID  string `xml:"artifactId"`
	Version     string `xml:"version"`
	Repository  string `xml:"repository,omitempty"`
	Description string `xml:"description,omitempty"`
}

func (a archetype) gav() string {
	return a.GroupID + ":" + a.ArtifactID + ":" + a.Version
}

// MergeArchetypeCatalogs 合并 archetype-catalog.xml，按 GAV 去重，先出现者优先。
func MergeArchetypeCatalogs(_ string, sources [][]byte) ([]byte, error) {
	seen := map[string]struct{}{}
	var out archetypeCatalog
	for i, src := range sources {
		var catalog archetypeCatalog
		if err := xml.Unmarshal(src, &catalog); err != nil {
			return nil, fmt.Errorf("parse archetype catalog #%d: %w", i, err)
		}
		for _, a := range catalog.Archetypes {
			if _, dup := seen[a.gav()]; dup {
				continue
			}
			seen[a.gav()] = struct{}{}
			out.Archetypes = append(out.Archetypes, a)
		}
	}
	body, err := xml.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

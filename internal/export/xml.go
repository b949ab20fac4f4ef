package export

import (
	"encoding/xml"
	"os"
	"time"

	"github.com/meltsec/meltscan/internal/engine"
	"github.com/meltsec/meltscan/internal/errors"
	"github.com/meltsec/meltscan/internal/probe"
)

// sessionXML is the root element for XML serialization of a scan session.
// States are stored under their internal names so a reload is lossless.
type sessionXML struct {
	XMLName   xml.Name    `xml:"scansession"`
	ID        string      `xml:"id,attr,omitempty"`
	StartTime string      `xml:"start_time,attr"`
	Duration  string      `xml:"duration,attr"`
	Results   []resultXML `xml:"result"`
}

type resultXML struct {
	Target   string `xml:"Target"`
	Protocol string `xml:"Protocol"`
	Port     int    `xml:"Port"`
	State    string `xml:"State"`
	Info     string `xml:"Info,omitempty"`
}

// SaveSession writes a session to an XML file at the given path, indented
// for readability.
func SaveSession(path string, session Session) error {
	if err := saveSessionXML(path, session); err != nil {
		return errors.NewExportError(path, err)
	}
	return nil
}

func saveSessionXML(path string, session Session) error {
	doc := &sessionXML{
		ID:        session.ID,
		StartTime: session.StartedAt.Format(time.RFC3339),
		Duration:  session.Duration.String(),
		Results:   make([]resultXML, len(session.Results)),
	}
	for i, r := range session.Results {
		doc.Results[i] = resultXML{
			Target:   r.Target,
			Protocol: string(r.Protocol),
			Port:     r.Port,
			State:    string(r.State),
			Info:     r.Diagnostic,
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write([]byte(xml.Header)); err != nil {
		return err
	}

	encoder := xml.NewEncoder(file)
	encoder.Indent("", "  ")
	return encoder.Encode(doc)
}

// LoadSession reads a session back from an XML file written by
// SaveSession.
func LoadSession(path string) (Session, error) {
	file, err := os.Open(path)
	if err != nil {
		return Session{}, errors.NewExportError(path, err)
	}
	defer file.Close()

	var doc sessionXML
	if err := xml.NewDecoder(file).Decode(&doc); err != nil {
		return Session{}, errors.NewExportError(path, err)
	}

	session := Session{
		ID:      doc.ID,
		Results: make([]engine.Result, len(doc.Results)),
	}
	if doc.StartTime != "" {
		if started, err := time.Parse(time.RFC3339, doc.StartTime); err == nil {
			session.StartedAt = started
		}
	}
	if doc.Duration != "" {
		if duration, err := time.ParseDuration(doc.Duration); err == nil {
			session.Duration = duration
		}
	}
	for i, r := range doc.Results {
		session.Results[i] = engine.Result{
			Target:     r.Target,
			Protocol:   probe.Protocol(r.Protocol),
			Port:       r.Port,
			State:      probe.State(r.State),
			Diagnostic: r.Info,
		}
	}
	return session, nil
}

package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bdobrica/Kioku/internal/kioku/assembler"
	"github.com/bdobrica/Kioku/internal/kioku/semantic"
	"github.com/bdobrica/Kioku/internal/kioku/world"
)

var errNoIndex = errors.New("semantic index is not configured")

type CreateLocationInput struct {
	Name        string            `json:"name" jsonschema:"location name"`
	Description string            `json:"description" jsonschema:"what the location looks like"`
	Connections map[string]string `json:"connections,omitempty" jsonschema:"direction to location id; targets may not exist yet"`
	Properties  map[string]any    `json:"properties,omitempty" jsonschema:"free-form properties"`
}

type CreateObjectInput struct {
	Name        string         `json:"name" jsonschema:"object name"`
	Description string         `json:"description" jsonschema:"what the object looks like"`
	Location    string         `json:"location" jsonschema:"location id, or held:<actor> for an actor's inventory"`
	Properties  map[string]any `json:"properties,omitempty" jsonschema:"free-form properties"`
}

type MoveObjectInput struct {
	ObjectID string `json:"object_id" jsonschema:"object to move"`
	To       string `json:"to" jsonschema:"location id, or held:<actor>"`
	Actor    string `json:"actor,omitempty" jsonschema:"who moved it; defaults to player"`
}

type ModifyObjectInput struct {
	ObjectID string         `json:"object_id" jsonschema:"object to change"`
	Updates  map[string]any `json:"updates" jsonschema:"properties to set; keys not listed are kept"`
	Actor    string         `json:"actor,omitempty" jsonschema:"who changed it; defaults to player"`
}

type ObjectIDInput struct {
	ObjectID string `json:"object_id" jsonschema:"object id"`
}

type LocationIDInput struct {
	LocationID string `json:"location_id" jsonschema:"location id"`
}

type WorldSummaryInput struct{}

type RecordEventInput struct {
	Actor      string         `json:"actor,omitempty" jsonschema:"who acted; defaults to player"`
	Action     string         `json:"action" jsonschema:"what happened, in a short sentence"`
	Target     string         `json:"target,omitempty" jsonschema:"object or location the event is about"`
	LocationID string         `json:"location_id,omitempty" jsonschema:"where it happened"`
	Context    map[string]any `json:"context,omitempty" jsonschema:"extra details"`
}

type SearchInput struct {
	Category string  `json:"category,omitempty" jsonschema:"objects, locations or events; defaults to objects"`
	Query    string  `json:"query" jsonschema:"free text describing what to look for"`
	Limit    int     `json:"limit,omitempty" jsonschema:"maximum number of results"`
	MinScore float64 `json:"min_score,omitempty" jsonschema:"drop results scoring below this, between 0 and 1"`
}

type FindSimilarInput struct {
	ObjectID string `json:"object_id" jsonschema:"reference object"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of results"`
}

type AssembleContextInput struct {
	LocationID  string `json:"location_id" jsonschema:"where the turn takes place"`
	Actor       string `json:"actor,omitempty" jsonschema:"whose inventory to include"`
	RecentLimit int    `json:"recent_limit,omitempty" jsonschema:"number of recent events"`
	Query       string `json:"query,omitempty" jsonschema:"what the turn is about, for semantic matches"`
}

type ObjectOutput struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Location     string         `json:"location"`
	Properties   map[string]any `json:"properties"`
	Version      int64          `json:"version"`
	CreatedAt    string         `json:"created_at"`
	LastModified string         `json:"last_modified"`
}

type LocationOutput struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Connections map[string]string `json:"connections"`
	Properties  map[string]any    `json:"properties"`
	CreatedAt   string            `json:"created_at"`
}

type EventOutput struct {
	Seq        int64          `json:"seq"`
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	Type       string         `json:"event_type"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Target     string         `json:"target,omitempty"`
	LocationID string         `json:"location_id,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

type ChangeOutput struct {
	Changed bool          `json:"changed"`
	Object  *ObjectOutput `json:"object,omitempty"`
}

type ObjectsOutput struct {
	Objects []ObjectOutput `json:"objects"`
}

type EventsOutput struct {
	Events []EventOutput `json:"events"`
}

type LocationInfoOutput struct {
	Location     LocationOutput `json:"location"`
	Objects      []ObjectOutput `json:"objects"`
	RecentEvents []EventOutput  `json:"recent_events"`
}

type SummaryOutput struct {
	Locations    int64  `json:"locations"`
	Objects      int64  `json:"objects"`
	Events       int64  `json:"events"`
	FirstEventAt string `json:"first_event_at,omitempty"`
	LastEventAt  string `json:"last_event_at,omitempty"`
}

type ResultsOutput struct {
	Results []semantic.Result `json:"results"`
}

type PatternsOutput struct {
	LocationID string             `json:"location_id"`
	Objects    int                `json:"objects"`
	Threshold  float64            `json:"threshold"`
	Patterns   []semantic.Pattern `json:"patterns"`
	Count      int                `json:"count"`
	Summary    string             `json:"summary"`
}

type ContextOutput struct {
	Text              string             `json:"text"`
	Location          LocationOutput     `json:"location"`
	ObjectsPresent    []ObjectOutput     `json:"objects_present"`
	Inventory         []ObjectOutput     `json:"inventory"`
	RecentEvents      []EventOutput      `json:"recent_events"`
	SemanticMatches   []semantic.Result  `json:"semantic_matches"`
	Patterns          []semantic.Pattern `json:"patterns"`
	SemanticAvailable bool               `json:"semantic_available"`
	SemanticStatus    string             `json:"semantic_status"`
	SemanticError     string             `json:"semantic_error,omitempty"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "create_location",
		Description: "Create a location with optional exits and properties",
	}, s.handleCreateLocation)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "create_object",
		Description: "Create an object at a location or in an actor's inventory",
	}, s.handleCreateObject)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "move_object",
		Description: "Move an object to a location or into an actor's inventory",
	}, s.handleMoveObject)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "modify_object",
		Description: "Set properties on an object, keeping the ones not mentioned",
	}, s.handleModifyObject)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_object",
		Description: "Return the current state of an object",
	}, s.handleGetObject)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_history",
		Description: "Return every event that targeted an object, oldest first",
	}, s.handleGetHistory)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "objects_at",
		Description: "List the objects currently at a location",
	}, s.handleObjectsAt)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "location_info",
		Description: "Return a location, its objects and its most recent events",
	}, s.handleLocationInfo)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "world_summary",
		Description: "Count locations, objects and events",
	}, s.handleWorldSummary)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "record_event",
		Description: "Record a narrated event that does not change object state",
	}, s.handleRecordEvent)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "search",
		Description: "Find objects, locations or events by meaning",
	}, s.handleSearch)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "find_similar",
		Description: "Find objects similar to a given object",
	}, s.handleFindSimilar)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "analyze_patterns",
		Description: "Report pairs of similar objects seen at a location",
	}, s.handleAnalyzePatterns)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "assemble_context",
		Description: "Build the narrator context for a location and actor",
	}, s.handleAssembleContext)
}

func (s *Server) handleCreateLocation(ctx context.Context, req *sdk.CallToolRequest, input CreateLocationInput) (*sdk.CallToolResult, LocationOutput, error) {
	loc, err := s.world.CreateLocation(ctx, input.Name, input.Description, world.Connections(input.Connections), world.Properties(input.Properties))
	if err != nil {
		return nil, LocationOutput{}, err
	}
	return nil, locationOutput(*loc), nil
}

func (s *Server) handleCreateObject(ctx context.Context, req *sdk.CallToolRequest, input CreateObjectInput) (*sdk.CallToolResult, ObjectOutput, error) {
	placement, err := world.ParseLocationRef(input.Location)
	if err != nil {
		return nil, ObjectOutput{}, err
	}
	obj, err := s.world.CreateObjectAt(ctx, input.Name, input.Description, placement, world.Properties(input.Properties))
	if err != nil {
		return nil, ObjectOutput{}, err
	}
	return nil, objectOutput(*obj), nil
}

func (s *Server) handleMoveObject(ctx context.Context, req *sdk.CallToolRequest, input MoveObjectInput) (*sdk.CallToolResult, ChangeOutput, error) {
	if input.ObjectID == "" {
		return nil, ChangeOutput{}, fmt.Errorf("object_id is required")
	}
	to, err := world.ParseLocationRef(input.To)
	if err != nil {
		return nil, ChangeOutput{}, err
	}
	ok, err := s.world.MoveObject(ctx, input.ObjectID, to, actorOr(input.Actor))
	if err != nil {
		return nil, ChangeOutput{}, err
	}
	return nil, s.change(ctx, input.ObjectID, ok), nil
}

func (s *Server) handleModifyObject(ctx context.Context, req *sdk.CallToolRequest, input ModifyObjectInput) (*sdk.CallToolResult, ChangeOutput, error) {
	if input.ObjectID == "" {
		return nil, ChangeOutput{}, fmt.Errorf("object_id is required")
	}
	ok, err := s.world.ModifyObjectProperties(ctx, input.ObjectID, world.Properties(input.Updates), actorOr(input.Actor))
	if err != nil {
		return nil, ChangeOutput{}, err
	}
	return nil, s.change(ctx, input.ObjectID, ok), nil
}

// change reports a move/modify outcome. An unknown object is a routine
// "changed: false", not a tool error.
func (s *Server) change(ctx context.Context, objectID string, ok bool) ChangeOutput {
	if !ok {
		return ChangeOutput{}
	}
	out := ChangeOutput{Changed: true}
	if obj, err := s.world.GetObject(ctx, objectID); err == nil {
		o := objectOutput(*obj)
		out.Object = &o
	}
	return out
}

func (s *Server) handleGetObject(ctx context.Context, req *sdk.CallToolRequest, input ObjectIDInput) (*sdk.CallToolResult, ObjectOutput, error) {
	if input.ObjectID == "" {
		return nil, ObjectOutput{}, fmt.Errorf("object_id is required")
	}
	obj, err := s.world.GetObject(ctx, input.ObjectID)
	if err != nil {
		return nil, ObjectOutput{}, err
	}
	return nil, objectOutput(*obj), nil
}

func (s *Server) handleGetHistory(ctx context.Context, req *sdk.CallToolRequest, input ObjectIDInput) (*sdk.CallToolResult, EventsOutput, error) {
	if input.ObjectID == "" {
		return nil, EventsOutput{}, fmt.Errorf("object_id is required")
	}
	events, err := s.world.History(ctx, input.ObjectID)
	if err != nil {
		return nil, EventsOutput{}, err
	}
	return nil, EventsOutput{Events: eventOutputs(events)}, nil
}

func (s *Server) handleObjectsAt(ctx context.Context, req *sdk.CallToolRequest, input LocationIDInput) (*sdk.CallToolResult, ObjectsOutput, error) {
	if input.LocationID == "" {
		return nil, ObjectsOutput{}, fmt.Errorf("location_id is required")
	}
	objects, err := s.world.ObjectsAt(ctx, input.LocationID)
	if err != nil {
		return nil, ObjectsOutput{}, err
	}
	return nil, ObjectsOutput{Objects: objectOutputs(objects)}, nil
}

func (s *Server) handleLocationInfo(ctx context.Context, req *sdk.CallToolRequest, input LocationIDInput) (*sdk.CallToolResult, LocationInfoOutput, error) {
	info, err := s.world.GetLocationInfo(ctx, input.LocationID)
	if err != nil {
		return nil, LocationInfoOutput{}, err
	}
	return nil, LocationInfoOutput{
		Location:     locationOutput(info.Location),
		Objects:      objectOutputs(info.Objects),
		RecentEvents: eventOutputs(info.RecentEvents),
	}, nil
}

func (s *Server) handleWorldSummary(ctx context.Context, req *sdk.CallToolRequest, input WorldSummaryInput) (*sdk.CallToolResult, SummaryOutput, error) {
	sum, err := s.world.Summary(ctx)
	if err != nil {
		return nil, SummaryOutput{}, err
	}
	return nil, SummaryOutput{
		Locations:    sum.Locations,
		Objects:      sum.Objects,
		Events:       sum.Events,
		FirstEventAt: timestamp(sum.FirstEventAt),
		LastEventAt:  timestamp(sum.LastEventAt),
	}, nil
}

func (s *Server) handleRecordEvent(ctx context.Context, req *sdk.CallToolRequest, input RecordEventInput) (*sdk.CallToolResult, EventOutput, error) {
	evt, err := s.world.RecordEvent(ctx, world.CustomEvent{
		Actor:      actorOr(input.Actor),
		Action:     input.Action,
		Target:     input.Target,
		LocationID: input.LocationID,
		Context:    input.Context,
	})
	if err != nil {
		return nil, EventOutput{}, err
	}
	return nil, eventOutput(*evt), nil
}

func (s *Server) handleSearch(ctx context.Context, req *sdk.CallToolRequest, input SearchInput) (*sdk.CallToolResult, ResultsOutput, error) {
	if s.index == nil {
		return nil, ResultsOutput{}, errNoIndex
	}
	category := semantic.Objects
	if strings.TrimSpace(input.Category) != "" {
		c, err := semantic.ParseCategory(input.Category)
		if err != nil {
			return nil, ResultsOutput{}, err
		}
		category = c
	}
	var opts []semantic.SearchOption
	if input.MinScore > 0 {
		opts = append(opts, semantic.WithFloor(input.MinScore))
	}
	s.flush(ctx)
	results, err := s.index.Search(ctx, category, input.Query, input.Limit, opts...)
	if err != nil {
		return nil, ResultsOutput{}, err
	}
	return nil, ResultsOutput{Results: nonNil(results)}, nil
}

func (s *Server) handleFindSimilar(ctx context.Context, req *sdk.CallToolRequest, input FindSimilarInput) (*sdk.CallToolResult, ResultsOutput, error) {
	if s.index == nil {
		return nil, ResultsOutput{}, errNoIndex
	}
	if input.ObjectID == "" {
		return nil, ResultsOutput{}, fmt.Errorf("object_id is required")
	}
	s.flush(ctx)
	results, err := s.index.FindSimilarTo(ctx, input.ObjectID, input.Limit)
	if err != nil {
		return nil, ResultsOutput{}, err
	}
	return nil, ResultsOutput{Results: nonNil(results)}, nil
}

func (s *Server) handleAnalyzePatterns(ctx context.Context, req *sdk.CallToolRequest, input LocationIDInput) (*sdk.CallToolResult, PatternsOutput, error) {
	if s.index == nil {
		return nil, PatternsOutput{}, errNoIndex
	}
	s.flush(ctx)
	report, err := s.index.AnalyzePatterns(ctx, input.LocationID)
	if err != nil {
		return nil, PatternsOutput{}, err
	}
	patterns := report.Patterns
	if patterns == nil {
		patterns = []semantic.Pattern{}
	}
	return nil, PatternsOutput{
		LocationID: report.LocationID,
		Objects:    report.Objects,
		Threshold:  report.Threshold,
		Patterns:   patterns,
		Count:      report.Count,
		Summary:    report.Summary,
	}, nil
}

func (s *Server) handleAssembleContext(ctx context.Context, req *sdk.CallToolRequest, input AssembleContextInput) (*sdk.CallToolResult, ContextOutput, error) {
	if s.assembler == nil {
		return nil, ContextOutput{}, fmt.Errorf("context assembler is not configured")
	}
	if input.Query != "" {
		s.flush(ctx)
	}
	b, err := s.assembler.Assemble(ctx, assembler.Request{
		LocationID:  input.LocationID,
		Actor:       input.Actor,
		RecentLimit: input.RecentLimit,
		Query:       input.Query,
	})
	if err != nil {
		return nil, ContextOutput{}, err
	}
	patterns := b.Patterns
	if patterns == nil {
		patterns = []semantic.Pattern{}
	}
	return nil, ContextOutput{
		Text:              assembler.Render(b),
		Location:          locationOutput(b.Location),
		ObjectsPresent:    objectOutputs(b.ObjectsPresent),
		Inventory:         objectOutputs(b.Inventory),
		RecentEvents:      eventOutputs(b.RecentEvents),
		SemanticMatches:   nonNil(b.SemanticMatches),
		Patterns:          patterns,
		SemanticAvailable: b.SemanticAvailable,
		SemanticStatus:    string(b.SemanticStatus),
		SemanticError:     b.SemanticError,
	}, nil
}

func actorOr(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return world.ActorPlayer
	}
	return actor
}

func nonNil(results []semantic.Result) []semantic.Result {
	if results == nil {
		return []semantic.Result{}
	}
	return results
}

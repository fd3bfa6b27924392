package validate

// Built-in schemas mirror the canonical record shapes served by the public
// API: bills, people, regions, and vote sessions.

func float64p(f float64) *float64 { return &f }

func builtinSchemas() []*Schema {
	return []*Schema{billSchema(), personSchema(), regionSchema(), voteSchema()}
}

func billSchema() *Schema {
	return &Schema{
		Name: "bill",
		Fields: map[string]FieldRule{
			"id":      {Type: TypeString, Required: true, MinLength: 1},
			"title":   {Type: TypeString, Required: true, MinLength: 3, MaxLength: 500},
			"summary": {Type: TypeString},
			"status": {Type: TypeString, Required: true, Enum: []string{
				"draft", "submitted", "review", "voting", "passed", "rejected", "enacted", "sunset",
			}},
			"category":   {Type: TypeString},
			"region":     {Type: TypeString},
			"version":    {Type: TypeNumber, Min: float64p(1)},
			"created_at": {Type: TypeDate},
			"updated_at": {Type: TypeDate},
			"author":     {Type: TypeObject},
		},
	}
}

func personSchema() *Schema {
	return &Schema{
		Name: "person",
		Fields: map[string]FieldRule{
			"id":           {Type: TypeString, Required: true, MinLength: 1},
			"display_name": {Type: TypeString, Required: true, MinLength: 1, MaxLength: 200},
			"role":         {Type: TypeString},
			"party":        {Type: TypeString},
			"region":       {Type: TypeString},
			"active":       {Type: TypeBoolean},
			"updated_at":   {Type: TypeDate},
		},
	}
}

func regionSchema() *Schema {
	return &Schema{
		Name: "region",
		Fields: map[string]FieldRule{
			"id":   {Type: TypeString, Required: true, MinLength: 1},
			"name": {Type: TypeString, Required: true, MinLength: 1},
			"type": {Type: TypeString, Required: true, Enum: []string{
				"city", "county", "state", "federal",
			}},
			"parent_id":       {Type: TypeString},
			"population":      {Type: TypeNumber, Min: float64p(0)},
			"active_citizens": {Type: TypeNumber, Min: float64p(0)},
			"updated_at":      {Type: TypeDate},
		},
	}
}

func voteSchema() *Schema {
	return &Schema{
		Name: "vote",
		Fields: map[string]FieldRule{
			"id":      {Type: TypeString, Required: true, MinLength: 1},
			"bill_id": {Type: TypeString, Required: true, MinLength: 1},
			"status": {Type: TypeString, Enum: []string{
				"scheduled", "active", "ended",
			}},
			"started_at":         {Type: TypeDate},
			"ends_at":            {Type: TypeDate},
			"tally":              {Type: TypeObject},
			"participation_rate": {Type: TypeNumber, Min: float64p(0), Max: float64p(1)},
			"quorum_met":         {Type: TypeBoolean},
			"updated_at":         {Type: TypeDate},
		},
	}
}

package httpapi

const coordSchema = `{
	"type": "object",
	"required": ["lat", "lon"],
	"properties": {
		"lat": {"type": "number", "minimum": -90, "maximum": 90},
		"lon": {"type": "number", "minimum": -180, "maximum": 180}
	}
}`

const pricingProps = `
	"service_area_id": {"type": "string"},
	"service_type": {"enum": ["HAUL_AWAY", "LABOR_ONLY"]},
	"volume_cubic_yards": {"type": "number", "exclusiveMinimum": 0},
	"hours": {"type": "number", "exclusiveMinimum": 0},
	"distance_miles": {"type": "number", "minimum": 0},
	"addon_ids": {"type": "array", "items": {"type": "string"}}`

var (
	quoteSchema = mustSchema("quote.json", `{
		"type": "object",
		"required": ["service_type"],
		"properties": {`+pricingProps+`,
			"pickup": `+coordSchema+`
		}
	}`)

	createJobSchema = mustSchema("create_job.json", `{
		"type": "object",
		"required": ["service_type", "contact", "pickup"],
		"properties": {`+pricingProps+`,
			"contact": {
				"type": "object",
				"required": ["name", "phone"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"phone": {"type": "string", "minLength": 1},
					"email": {"type": "string"}
				}
			},
			"pickup": {
				"type": "object",
				"required": ["address"],
				"properties": {
					"address": {"type": "string", "minLength": 1},
					"loc": `+coordSchema+`,
					"notes": {"type": "string"}
				}
			},
			"scheduled_for": {"type": "string", "format": "date-time"}
		}
	}`)

	paymentSchema = mustSchema("payment.json", `{
		"type": "object",
		"required": ["provider", "reference"],
		"properties": {
			"provider": {"type": "string", "minLength": 1},
			"reference": {"type": "string", "minLength": 1}
		}
	}`)

	cancelSchema = mustSchema("cancel.json", `{
		"type": "object",
		"properties": {"reason": {"type": "string", "maxLength": 500}}
	}`)

	statusSchema = mustSchema("status.json", `{
		"type": "object",
		"required": ["status"],
		"properties": {"status": {"enum": ["en_route", "arrived", "started"]}}
	}`)

	finalizeSchema = mustSchema("finalize.json", `{
		"type": "object",
		"properties": {
			"disposal_cost_actual": {"type": "number", "minimum": 0},
			"disposal_receipt_url": {"type": "string"}
		}
	}`)

	availabilitySchema = mustSchema("availability.json", `{
		"type": "object",
		"required": ["online"],
		"properties": {
			"online": {"type": "boolean"},
			"loc": `+coordSchema+`
		}
	}`)

	locationSchema = mustSchema("location.json", `{
		"type": "object",
		"required": ["driver_id", "loc"],
		"properties": {
			"driver_id": {"type": "string", "minLength": 1},
			"loc": `+coordSchema+`,
			"at": {"type": "string", "format": "date-time"}
		}
	}`)
)

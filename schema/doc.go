// Package schema validates outgoing messages against per-destination
// schemas before they reach a transport.
//
// A Schema constrains the user properties of a message and, for messages
// whose CONTENT_TYPE is application/json, the decoded body. Destinations
// without a registered schema pass unless the validator is strict.
//
// Basic usage:
//
//	v := schema.NewValidator()
//	err := v.RegisterSchema("orders", &schema.Schema{
//	    RequiredProperties: []string{"tenant"},
//	    Body: &schema.PropertyDef{
//	        Type:     "object",
//	        Required: []string{"orderId"},
//	        Properties: map[string]*schema.PropertyDef{
//	            "orderId": {Type: "string", Format: "uuid"},
//	            "amount":  {Type: "number", Minimum: schema.Float(0)},
//	        },
//	    },
//	})
//
//	producer.AddInterceptor(interceptors.NewValidationHandler(v))
package schema

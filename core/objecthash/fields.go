package objecthash

type shape uint8

const (
	shapeScalar shape = iota
	shapeObject
	shapeList
)

type field struct {
	name      string
	shape     shape
	children  []field
	unordered bool
}

func scalarField(name string) field { return field{name: name, shape: shapeScalar} }

func objectField(name string, children ...field) field {
	return field{name: name, shape: shapeObject, children: children}
}

// setField is a list whose element order carries no meaning.
func setField(name string, children ...field) field {
	return field{name: name, shape: shapeList, children: children, unordered: true}
}

var keyValueFields = []field{
	scalarField("key"),
	scalarField("value"),
}

var itemInformationFields = []field{
	scalarField("title"),
	scalarField("shortDescription"),
	scalarField("longDescription"),
	scalarField("category"),
	objectField("location",
		scalarField("country"),
		scalarField("address"),
	),
	setField("shippingDestinations",
		scalarField("country"),
		scalarField("shippingAvailability"),
	),
	setField("images",
		scalarField("dataId"),
		scalarField("protocol"),
	),
}

var paymentInformationFields = []field{
	scalarField("type"),
	objectField("escrow",
		scalarField("type"),
		objectField("ratio",
			scalarField("buyer"),
			scalarField("seller"),
		),
	),
	objectField("price",
		scalarField("currency"),
		scalarField("basePrice"),
		objectField("shippingPrice",
			scalarField("domestic"),
			scalarField("international"),
		),
	),
}

var listingFields = []field{
	scalarField("seller"),
	scalarField("market"),
	objectField("information", itemInformationFields...),
	objectField("payment", paymentInformationFields...),
	setField("messaging",
		scalarField("protocol"),
		scalarField("publicKey"),
	),
	setField("objects", keyValueFields...),
}

// Templates are local drafts and carry no seller or market binding.
var templateFields = []field{
	objectField("information", itemInformationFields...),
	objectField("payment", paymentInformationFields...),
	setField("objects", keyValueFields...),
}

var proposalOptionFields = []field{
	scalarField("proposalHash"),
	scalarField("optionId"),
	scalarField("description"),
}

var registry = map[Kind][]field{
	KindListingItem:         listingFields,
	KindListingItemTemplate: templateFields,
	KindItemImage: {
		scalarField("dataId"),
		scalarField("protocol"),
	},
	KindBid: {
		scalarField("action"),
		scalarField("item"),
		scalarField("bid"),
		scalarField("bidder"),
		scalarField("generated"),
		setField("objects", keyValueFields...),
	},
	KindProposal: {
		scalarField("submitter"),
		scalarField("category"),
		scalarField("title"),
		scalarField("description"),
		scalarField("target"),
		scalarField("timeStart"),
		scalarField("timeEnd"),
		setField("options",
			scalarField("optionId"),
			scalarField("description"),
		),
	},
	KindProposalOption: proposalOptionFields,
}

// Package pulldriver implements the PullFeedDriver: a client for a
// pull-style, discovery/poll/fulfillment protocol shaped like TAXII 1.1
// over STIX/CybOX content, the out-of-graph feed a miner node pulls from.
package pulldriver

import "encoding/xml"

// discoveryRequest asks a discovery service for its collection
// management service address.
type discoveryRequest struct {
	XMLName xml.Name `xml:"Discovery_Request"`
	MessageID string `xml:"message_id,attr"`
}

type serviceInstance struct {
	ServiceType    string `xml:"Service_Type"`
	ServiceAddress string `xml:"Service_Address"`
}

type discoveryResponse struct {
	XMLName          xml.Name          `xml:"Discovery_Response"`
	ServiceInstances []serviceInstance `xml:"Service_Instance"`
}

const serviceTypeCollectionManagement = "COLLECTION_MANAGEMENT"

// collectionInfoRequest asks the collection management service for the
// collections it hosts.
type collectionInfoRequest struct {
	XMLName   xml.Name `xml:"Collection_Information_Request"`
	MessageID string   `xml:"message_id,attr"`
}

type pollingServiceInstance struct {
	PollAddress string `xml:"Address"`
}

type collectionInformation struct {
	CollectionName          string                   `xml:"Collection_Name"`
	CollectionType          string                   `xml:"Collection_Type"`
	PollingServiceInstances []pollingServiceInstance `xml:"Polling_Service_Instance"`
}

type collectionInfoResponse struct {
	XMLName                xml.Name                 `xml:"Collection_Information_Response"`
	CollectionInformations []collectionInformation   `xml:"Collection"`
}

const collectionTypeDataFeed = "DATA_FEED"

// pollRequest asks a poll service for every content block produced in
// (begin, end]; begin is exclusive, matching the upstream exclusive
// lower-bound watermark semantics.
type pollRequest struct {
	XMLName                    xml.Name `xml:"Poll_Request"`
	MessageID                  string   `xml:"message_id,attr"`
	CollectionName             string   `xml:"Collection_Name"`
	ExclusiveBeginTimestampLabel string `xml:"Exclusive_Begin_Timestamp,omitempty"`
	InclusiveEndTimestampLabel   string `xml:"Inclusive_End_Timestamp,omitempty"`
}

type contentBlock struct {
	ContentBindingID string `xml:"Content_Binding"`
	Content          string `xml:"Content"`
}

type pollResponse struct {
	XMLName           xml.Name       `xml:"Poll_Response"`
	ResultID          string         `xml:"result_id,attr"`
	ResultPartNumber  int            `xml:"result_part_number,attr"`
	More              bool           `xml:"more,attr"`
	ContentBlocks     []contentBlock `xml:"Content_Block"`
}

// fulfillmentRequest asks for the next result part of a multi-part poll
// response.
type fulfillmentRequest struct {
	XMLName          xml.Name `xml:"Poll_Fulfillment_Request"`
	MessageID        string   `xml:"message_id,attr"`
	CollectionName   string   `xml:"Collection_Name"`
	ResultID         string   `xml:"result_id,attr"`
	ResultPartNumber int      `xml:"result_part_number,attr"`
}

const contentBindingSTIX111 = "urn:stix.mitre.org:xml:1.1.1"

package ingest

// AppointmentEvent is the envelope published by appointments-api. Every field
// is a string on the wire; ids and timestamps are parsed leniently.
type AppointmentEvent struct {
	EventID       string `json:"eventId"`
	EventType     string `json:"eventType"`
	AppointmentID string `json:"appointmentId"`
	PatientID     string `json:"patientId"`
	DoctorID      string `json:"doctorId"`
	Reason        string `json:"reason"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	OccurredAt    string `json:"occurredAt"`
}

// PaymentEvent is the envelope published by payments-api. AppointmentID links
// the payment to the appointment workflow and becomes the correlation id.
type PaymentEvent struct {
	EventID       string `json:"eventId"`
	EventType     string `json:"eventType"`
	PaymentID     string `json:"paymentId"`
	AppointmentID string `json:"appointmentId"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
	OccurredAt    string `json:"occurredAt"`
}

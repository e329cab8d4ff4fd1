package dashboard

import "time"

type EmergencyContact struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
	Phone        string `json:"phone"`
}

// Patient is the summary shown in patient lists.
type Patient struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Email            string           `json:"email"`
	Phone            string           `json:"phone"`
	DateOfBirth      string           `json:"dateOfBirth"`
	Gender           string           `json:"gender"`
	Address          string           `json:"address"`
	EmergencyContact EmergencyContact `json:"emergencyContact"`
}

type MedicalCondition struct {
	Condition     string `json:"condition"`
	DiagnosedDate string `json:"diagnosedDate"`
	Status        string `json:"status"`
}

type Allergy struct {
	Allergen string `json:"allergen"`
	Severity string `json:"severity"`
	Reaction string `json:"reaction"`
}

// PatientDetail extends Patient with history shown on the patient page.
type PatientDetail struct {
	Patient
	MedicalHistory []MedicalCondition `json:"medicalHistory"`
	Allergies      []Allergy          `json:"allergies"`
}

type BloodPressureReading struct {
	Systolic  int    `json:"systolic"`
	Diastolic int    `json:"diastolic"`
	Date      string `json:"date"`
}

type Reading struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Date  string  `json:"date"`
}

type Vitals struct {
	BloodPressure []BloodPressureReading `json:"bloodPressure"`
	HeartRate     []Reading              `json:"heartRate"`
	Temperature   []Reading              `json:"temperature"`
	Weight        []Reading              `json:"weight"`
}

// VitalsReport is the response of the patient vitals endpoint.
type VitalsReport struct {
	PatientID string `json:"patientId"`
	Period    string `json:"period"`
	Vitals    Vitals `json:"vitals"`
}

// Appointment statuses.
const (
	AppointmentScheduled = "Scheduled"
)

type Appointment struct {
	ID          string     `json:"id"`
	PatientID   string     `json:"patientId"`
	PatientName string     `json:"patientName,omitempty"`
	Provider    string     `json:"provider"`
	Type        string     `json:"type"`
	Date        time.Time  `json:"date"`
	Duration    int        `json:"duration"`
	Status      string     `json:"status"`
	Notes       string     `json:"notes,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

// CreateAppointmentRequest is the body of POST /appointments. Fields are
// pointers so that absent and empty values can be told apart.
type CreateAppointmentRequest struct {
	PatientID *string `json:"patientId"`
	Provider  *string `json:"provider"`
	Type      *string `json:"type"`
	Date      *string `json:"date"`
	Duration  *int    `json:"duration"`
	Notes     *string `json:"notes"`
}

type CarePlanActivity struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Frequency   string `json:"frequency"`
	Status      string `json:"status"`
}

type CarePlan struct {
	ID          string             `json:"id"`
	PatientID   string             `json:"patientId"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Status      string             `json:"status"`
	StartDate   string             `json:"startDate"`
	EndDate     string             `json:"endDate"`
	Goals       []string           `json:"goals"`
	Activities  []CarePlanActivity `json:"activities"`
	Progress    map[string]string  `json:"progress,omitempty"`
}

// Message types accepted in chat.
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageFile  = "file"
)

var validMessageTypes = map[string]bool{
	MessageText:  true,
	MessageImage: true,
	MessageFile:  true,
}

type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Avatar string `json:"avatar,omitempty"`
}

type LastMessage struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
}

// ChatRoom is a conversation between a patient and their care team.
type ChatRoom struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	Participants []Participant `json:"participants,omitempty"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity"`
}

type MessageSender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type ChatMessage struct {
	ID        string        `json:"id"`
	RoomID    string        `json:"roomId"`
	Sender    MessageSender `json:"sender"`
	Content   string        `json:"content"`
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
}

// PostMessageRequest is the body of POST /chat/messages.
type PostMessageRequest struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

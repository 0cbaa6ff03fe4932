package agent

// ExtractionGoal is the instruction sent with every extraction request.
const ExtractionGoal = `Extract comprehensive grant opportunity information from this grant or foundation website.

Navigate the site and collect every grant, funding program or request for proposals it lists, including the funder, eligibility, funding amounts, deadlines, focus areas and application links.

1. Look for sections labeled Grants, Funding, Apply, Opportunities, RFP, Programs or similar
2. If the site has search, try queries such as grant, funding, nonprofit, education, technology
3. If listings are paginated, load at least the first 10 opportunities, or all of them if there are fewer
4. Open each opportunity's detail page to read the full information

For each grant return:
- grant_title, funder_name, program_name
- status (open, upcoming, rolling or closed)
- summary (short description)
- focus_areas (array of strings)
- eligible_applicants (array, e.g. nonprofit, school, municipality)
- geographic_eligibility (country, state, region or global)
- funding_amount as one of:
    {"amount":N,"currency":"USD"}
    {"min_amount":N,"max_amount":N,"currency":"USD","type":"range"}
    {"max_amount":N,"currency":"USD","type":"cap"}
    {"type":"in_kind","details":"..."}
- funding_type (grant, award, in-kind, prize or matching)
- number_of_awards (integer or null)
- open_date (YYYY-MM-DD or null)
- deadline_date (YYYY-MM-DD or null)
- deadline_time (HH:MM if listed)
- timezone (if listed)
- rolling_deadline (boolean)
- info_session_dates (array of YYYY-MM-DD)
- award_announcement_date (YYYY-MM-DD or null)
- project_start_date (YYYY-MM-DD or null)
- project_end_date (YYYY-MM-DD or null)
- date_confidence (exact, approximate or unknown)
- deadline_raw_text (the deadline text exactly as written on the page)
- application_url (direct link)
- source_url (the URL of the grant's own detail page, not the listing page it was linked from)
- requirements (key restrictions)
- documents (PDF links or required documents)

Write every date as YYYY-MM-DD. For rolling opportunities set rolling_deadline to true and leave deadline_date null. When a date is unclear set date_confidence to "unknown".

Return ONLY valid JSON: {"grants": [...], "errors": [...]}
If the page has no grants, return {"grants": [], "errors": ["No grants found on this page"]}`
